package gdrive

import (
	"fmt"
	"strings"

	"github.com/gobeaver/unifs"
)

// Scheme is the address scheme served by this package.
const Scheme = "gdrive"

// Virtual folders shown at the root of every account. They have no Drive
// object ID of their own.
const (
	FolderMyDrive = "My Drive"
	FolderShared  = "Shared with me"
	FolderStarred = "Starred"
	FolderRecent  = "Recent"
)

var virtualFolders = []string{FolderMyDrive, FolderShared, FolderStarred, FolderRecent}

// idSegment prefixes object-ID addresses: gdrive://<email>/id/<fileID>.
const idSegment = "id"

type kind int

const (
	kindRoot kind = iota
	kindMyDrive
	kindShared
	kindStarred
	kindRecent
	kindID
)

// target is a parsed gdrive:// location.
type target struct {
	account string
	kind    kind
	// segments are the path elements below My Drive.
	segments []string
	id       string
}

// IDLocation returns the object-ID address of id in account.
func IDLocation(account, id string) unifs.Location {
	return unifs.NewLocation(Scheme, account, "/"+idSegment+"/"+id)
}

func parseTarget(loc unifs.Location) (target, error) {
	if loc.Scheme() != Scheme {
		return target{}, fmt.Errorf("%w: %s is not a drive location", unifs.ErrInvalidAddress, loc)
	}
	account := loc.Authority()
	if account == "" {
		return target{}, fmt.Errorf("%w: %s names no account", unifs.ErrInvalidAddress, loc)
	}

	var parts []string
	for _, part := range strings.Split(loc.Path(), "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}

	t := target{account: account}
	if len(parts) == 0 {
		t.kind = kindRoot
		return t, nil
	}

	switch parts[0] {
	case FolderMyDrive:
		t.kind = kindMyDrive
		t.segments = parts[1:]
	case FolderShared, FolderStarred, FolderRecent:
		if len(parts) > 1 {
			// Items found in these folders are addressed by ID.
			return target{}, fmt.Errorf("%w: %s", unifs.ErrInvalidAddress, loc)
		}
		t.kind = map[string]kind{FolderShared: kindShared, FolderStarred: kindStarred, FolderRecent: kindRecent}[parts[0]]
	case idSegment:
		if len(parts) != 2 {
			return target{}, fmt.Errorf("%w: %s", unifs.ErrInvalidAddress, loc)
		}
		t.kind = kindID
		t.id = parts[1]
	default:
		return target{}, unifs.ErrNotExist
	}
	return t, nil
}

// virtual reports whether t names something with no Drive object behind it.
func (t target) virtual() bool {
	switch t.kind {
	case kindID:
		return false
	case kindMyDrive:
		return len(t.segments) == 0
	}
	return true
}

// name returns the last element for My Drive paths.
func (t target) name() string {
	if len(t.segments) == 0 {
		return ""
	}
	return t.segments[len(t.segments)-1]
}

func (t target) parentSegments() []string {
	if len(t.segments) == 0 {
		return nil
	}
	return t.segments[:len(t.segments)-1]
}

// escapeQuery quotes s for use inside a single-quoted Drive query literal.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
