package store

import (
	"fmt"
	"path"
	"strings"
)

// Join builds an absolute node path from segments.
func Join(segments ...string) string {
	return path.Join(append([]string{"/"}, segments...)...)
}

// Parent returns the parent path of p ("/" for top-level nodes).
func Parent(p string) string {
	return path.Dir(p)
}

// Base returns the last segment of p.
func Base(p string) string {
	return path.Base(p)
}

// ValidatePath checks that p is absolute, clean and not the root.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("store: path %q must be absolute", p)
	}
	if p == "/" {
		return fmt.Errorf("store: root path is reserved")
	}
	if path.Clean(p) != p || strings.Contains(p, "//") {
		return fmt.Errorf("store: path %q is not clean", p)
	}
	return nil
}

// Ancestors returns the proper ancestors of p from the top down, excluding
// the root.
func Ancestors(p string) []string {
	var out []string
	for dir := Parent(p); dir != "/" && dir != "."; dir = Parent(dir) {
		out = append(out, dir)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
