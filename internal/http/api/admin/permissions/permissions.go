package permissions

import (
	"fmt"
	"slices"
	"strings"
)

// Definition describes an operator API permission.
type Definition struct {
	Key    string `json:"key"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Label  string `json:"label"`
	Module string `json:"module"`
}

// Key builds a permission key from method and route path.
func Key(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// NormalizePermissions trims, sorts and de-duplicates permissions, dropping blanks.
func NormalizePermissions(perms []string) []string {
	out := make([]string, 0, len(perms))
	for _, perm := range perms {
		if trimmed := strings.TrimSpace(perm); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ValidatePermissions reports the first permission that names no operator route.
func ValidatePermissions(perms []string) error {
	for _, perm := range NormalizePermissions(perms) {
		if _, ok := Lookup(perm); !ok {
			return fmt.Errorf("invalid permission: %s", perm)
		}
	}
	return nil
}

// HasPermission reports whether key is granted by perms.
func HasPermission(perms []string, key string) bool {
	return key != "" && slices.Contains(perms, key)
}

// Lookup returns the definition registered under key.
func Lookup(key string) (Definition, bool) {
	def, ok := definitionMap[key]
	return def, ok
}

// Definitions returns a copy of all permission definitions.
func Definitions() []Definition {
	return slices.Clone(definitions)
}

func newDefinition(method, path, label, module string) Definition {
	upperMethod := strings.ToUpper(method)
	return Definition{
		Key:    Key(upperMethod, path),
		Method: upperMethod,
		Path:   path,
		Label:  label,
		Module: module,
	}
}

var definitions = []Definition{
	newDefinition("GET", "/v0/admin/bans/:key", "Inspect Ban", "Bans"),
	newDefinition("GET", "/v0/admin/audit-events", "List Audit Events", "Audit"),
	newDefinition("GET", "/v0/admin/permissions", "List Permissions", "Permissions"),
}

var definitionMap = func() map[string]Definition {
	out := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		out[def.Key] = def
	}
	return out
}()
