// Package pathutil expands user supplied file paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves environment variables and a leading "~" in p and returns
// the absolute path. An empty p stays empty.
func Expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, p[1:])
	}
	return filepath.Abs(p)
}
