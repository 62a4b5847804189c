package whitelist

import (
	"fmt"
	"net/netip"
	"strings"
)

// List matches client addresses against plain IPs and CIDR prefixes.
type List struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// Parse accepts plain IPs and CIDR prefixes. Blank entries are skipped.
func Parse(entries []string) (*List, error) {
	w := &List{addrs: make(map[netip.Addr]struct{})}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, errPrefix := netip.ParsePrefix(entry)
			if errPrefix != nil {
				return nil, fmt.Errorf("whitelist: entry %q: %w", entry, errPrefix)
			}
			w.prefixes = append(w.prefixes, prefix.Masked())
			continue
		}
		addr, errAddr := netip.ParseAddr(entry)
		if errAddr != nil {
			return nil, fmt.Errorf("whitelist: entry %q: %w", entry, errAddr)
		}
		w.addrs[addr.Unmap()] = struct{}{}
	}
	return w, nil
}

// Contains reports whether ip is listed. Unparseable input never matches.
func (w *List) Contains(ip string) bool {
	if w == nil || ip == "" {
		return false
	}
	addr, errAddr := netip.ParseAddr(strings.TrimSpace(ip))
	if errAddr != nil {
		return false
	}
	addr = addr.Unmap()
	if _, ok := w.addrs[addr]; ok {
		return true
	}
	for _, prefix := range w.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
