package vault

// maskPlaceholder is fixed-width so masked output does not leak the
// original length.
const maskPlaceholder = "••••••••"

// maskRevealFloor is the minimum plaintext length before any characters
// are revealed.
const maskRevealFloor = 8

// MaskValue renders a decrypted secret for display: at most the last 4
// characters are revealed, the rest is a fixed-width placeholder.
func MaskValue(s string) string {
	if len(s) < maskRevealFloor {
		return maskPlaceholder
	}
	return maskPlaceholder + s[len(s)-4:]
}

// MaskConfig returns a display copy of a decrypted config with every
// sensitive string field masked.
func MaskConfig(config map[string]any, sensitive []string) map[string]any {
	isSensitive := toSet(sensitive)
	out := make(map[string]any, len(config))
	for name, value := range config {
		if !isSensitive[name] {
			out[name] = value
			continue
		}
		if s, ok := value.(string); ok {
			out[name] = MaskValue(s)
		} else {
			out[name] = maskPlaceholder
		}
	}
	return out
}
