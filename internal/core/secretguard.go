package core

import "regexp"

// secretPatterns catches the common high-confidence credential shapes:
// cloud access key IDs, generic API/secret key assignments, bearer
// tokens, and PEM private key blocks. It is deliberately narrow —
// false positives block a legitimate append until the caller passes
// AllowSecrets, so the patterns stay high-precision rather than
// exhaustive.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)-----BEGIN[A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\b(api|secret)[_-]?key['"]?\s*[:=]\s*['"][A-Za-z0-9/+_-]{16,}['"]`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
}

// scanForSecrets reports the first pattern that matches any string
// value in data, or "" if none match. Nested maps and slices are
// walked recursively so a secret buried in a structured field (a
// comment body inside a larger payload, say) is still caught.
func scanForSecrets(data map[string]any) string {
	for _, v := range data {
		if m := scanValue(v); m != "" {
			return m
		}
	}
	return ""
}

func scanValue(v any) string {
	switch t := v.(type) {
	case string:
		for _, re := range secretPatterns {
			if re.MatchString(t) {
				return re.String()
			}
		}
	case map[string]any:
		return scanForSecrets(t)
	case []any:
		for _, elem := range t {
			if m := scanValue(elem); m != "" {
				return m
			}
		}
	}
	return ""
}
