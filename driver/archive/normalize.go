package archive

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobeaver/unifs"
)

// NormalizeEntryPath cleans an archive member path or extraction target.
//
// Backslashes are treated as separators, "." components and trailing
// slashes are dropped. NUL bytes, absolute paths, drive letters and ".."
// components are rejected with unifs.ErrTraversal.
func NormalizeEntryPath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: NUL byte in %q", unifs.ErrTraversal, p)
	}

	p = strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: absolute path %q", unifs.ErrTraversal, p)
	}
	if isDriveLetter(p) {
		return "", fmt.Errorf("%w: drive path %q", unifs.ErrTraversal, p)
	}

	parts := strings.Split(p, "/")
	kept := parts[:0]
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q", unifs.ErrTraversal, p)
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "/"), nil
}

func isDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// safeJoin joins rel below dir and verifies the result stays inside dir.
func safeJoin(dir, rel string) (string, error) {
	clean, err := NormalizeEntryPath(rel)
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, filepath.FromSlash(clean))
	if !within(dir, target) {
		return "", fmt.Errorf("%w: %q leaves %s", unifs.ErrTraversal, rel, dir)
	}
	return target, nil
}

// within reports whether target is dir or below it.
func within(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
