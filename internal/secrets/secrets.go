// Package secrets resolves configuration values (jwt.secret, NATS
// credentials) that may be given inline, via environment variable, or via a
// file on disk, so they never need to sit in a config file in plain text.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Resolve resolves a secret value supporting three formats:
//   - "env:NAME" reads from environment variable NAME
//   - "file:/absolute/path" reads the contents of a file (absolute path required)
//   - anything else is returned as-is
//
// Empty or whitespace-only values return "" without error.
func Resolve(value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", nil
	}

	if name, ok := strings.CutPrefix(v, "env:"); ok {
		return os.Getenv(name), nil
	}

	if path, ok := strings.CutPrefix(v, "file:"); ok {
		if !strings.HasPrefix(path, "/") {
			return "", fmt.Errorf("file secret path must be absolute, got: %s", path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
		}
		return strings.TrimSpace(string(content)), nil
	}

	return v, nil
}
