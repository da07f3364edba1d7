package util

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// A negative maxLen is treated as 0.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// EqualIgnoringTrailingSlash reports whether a and b are equal or differ only
// by a single trailing slash. Resource indicators are compared this way so
// "https://api.example.com" and "https://api.example.com/" name the same API.
//
// Example:
//
//	EqualIgnoringTrailingSlash("https://a.example", "https://a.example/")  // true
//	EqualIgnoringTrailingSlash("https://a.example", "https://a.example//") // false
func EqualIgnoringTrailingSlash(a, b string) bool {
	return a == b || a+"/" == b || a == b+"/"
}

// Dedupe returns items without repeated entries, keeping first occurrences in order.
// It returns nil for an empty input.
func Dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
