package replica

import (
	"fmt"
	"strings"

	"pairchat/storage"
)

// CleanPath normalizes a path and rejects reserved characters.
func CleanPath(path string) (string, error) {
	cleaned, err := storage.CleanPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return cleaned, nil
}

// Join joins path segments with "/".
func Join(parts ...string) string {
	return storage.JoinPath(parts...)
}

// related reports whether a change at one path can alter the value at the
// other: they are equal or one is an ancestor of the other.
func related(a, b string) bool {
	if a == b || a == "" || b == "" {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
