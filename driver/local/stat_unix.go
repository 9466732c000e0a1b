//go:build !windows

package local

import (
	"os"
	"strings"
)

// isHidden reports whether an entry is hidden on Unix systems: dot files.
func isHidden(name string, info os.FileInfo) bool {
	return strings.HasPrefix(name, ".")
}

// osPath maps a slash-separated location path onto the host filesystem.
func osPath(p string) string {
	return p
}
