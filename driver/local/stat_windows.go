//go:build windows

package local

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

// isHidden reports whether an entry is hidden on Windows: the hidden
// attribute, or a dot file as written by Unix tools.
func isHidden(name string, info os.FileInfo) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	data, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return false
	}
	return data.FileAttributes&windows.FILE_ATTRIBUTE_HIDDEN != 0
}

// osPath maps "/C:/Users" to "C:\Users" and "//server/share" to a UNC path.
func osPath(p string) string {
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}
