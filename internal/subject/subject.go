// Package subject implements NATS-style dotted-token subject matching used
// to authorize publish/subscribe requests against a device's JWT claims.
package subject

import "strings"

const (
	tokenWildcard = "*"
	tailWildcard  = ">"
	maxLength     = 256
)

// Matches reports whether subject satisfies pattern, where pattern may use
// "*" to match exactly one dot-separated token and ">" to match one or more
// trailing tokens (legal only as the final pattern token).
func Matches(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}
	if pattern == subject {
		return true
	}

	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, pt := range pTokens {
		if pt == tailWildcard {
			// ">" must be the last pattern token and match at least one
			// remaining subject token.
			if i != len(pTokens)-1 {
				return false
			}
			return i < len(sTokens)
		}

		if i >= len(sTokens) {
			return false
		}

		if pt == tokenWildcard {
			continue
		}

		if pt != sTokens[i] {
			return false
		}
	}

	return len(pTokens) == len(sTokens)
}

// MatchesAny reports whether subject satisfies any of patterns.
func MatchesAny(patterns []string, subject string) bool {
	for _, p := range patterns {
		if Matches(p, subject) {
			return true
		}
	}
	return false
}

// Valid reports whether subject is a well-formed concrete publish subject:
// non-empty, bounded length, no leading/trailing dot or empty tokens, and
// restricted to the character set gateways accept on the wire. ">" is only
// permitted as the final token since a concrete subject should not carry
// subscription wildcards, but we allow "*" and ">" characters here too since
// callers also use Valid to sanity-check patterns before storing them.
func Valid(s string) bool {
	if s == "" || len(s) > maxLength {
		return false
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}

	tokens := strings.Split(s, ".")
	for i, tok := range tokens {
		if tok == "" {
			return false
		}
		if tok == tailWildcard && i != len(tokens)-1 {
			return false
		}
		for _, r := range tok {
			if !validRune(r) {
				return false
			}
		}
	}
	return true
}

func validRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
	case r >= 'A' && r <= 'Z':
	case r >= '0' && r <= '9':
	case r == '-' || r == '_' || r == '*' || r == '>':
	default:
		return false
	}
	return true
}
