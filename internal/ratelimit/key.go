package ratelimit

// KeyForPolicy builds the counter key for a call-site policy and identity key.
func KeyForPolicy(policy, identityKey string) string {
	if identityKey == "" {
		return ""
	}
	if policy == "" {
		policy = "default"
	}
	return "rl:" + policy + ":" + identityKey
}

// KeyForEscalation builds the counter key holding an identity's qualifying events.
func KeyForEscalation(identityKey string) string {
	if identityKey == "" {
		return ""
	}
	return "abuse:" + identityKey
}
