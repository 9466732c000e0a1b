package archive

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/gobeaver/unifs"
)

// Scheme is the address scheme served by this package.
const Scheme = "archive"

// DefaultMaxDepth bounds how many archive:// layers one address may nest.
const DefaultMaxDepth = 10

// Address is a parsed archive:// location: an entry path inside the archive
// found at Source. Source may itself be an archive:// address.
type Address struct {
	Source string
	// Path is the normalized entry path without a leading slash. The
	// archive root is "".
	Path string
}

// NewLocation builds the archive:// location of entry inside the archive at
// src. Both components are percent-encoded.
func NewLocation(src, entry string) unifs.Location {
	p := "/" + strings.TrimPrefix(entry, "/")
	query := "src=" + escapeParam(src) + "&path=" + escapeParam(p)
	return unifs.NewLocation(Scheme, "", "/").WithQuery(query)
}

// escapeParam percent-encodes s with spaces as %20, so a '+' in the query
// is always literal.
func escapeParam(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Location returns the address as a Location.
func (a Address) Location() unifs.Location {
	return NewLocation(a.Source, a.Path)
}

// Join returns the address of the child name.
func (a Address) Join(name string) Address {
	return Address{Source: a.Source, Path: strings.TrimPrefix(path.Join(a.Path, name), "/")}
}

// ParseAddress extracts src and path from an archive:// location.
//
// The query may be percent-encoded or, for hand-written addresses, carry an
// unencoded nested source. In the "src=...&path=..." order the source runs
// up to the last "&path=", so nested sources keep their own query intact.
// A '+' is taken literally, as in file names like "c++.zip".
func ParseAddress(loc unifs.Location) (Address, error) {
	if loc.Scheme() != Scheme {
		return Address{}, fmt.Errorf("%w: %s is not an archive address", unifs.ErrInvalidAddress, loc)
	}

	rawSrc, rawPath, err := splitQuery(loc.Query())
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s: %v", unifs.ErrInvalidAddress, loc, err)
	}

	src, err := url.PathUnescape(rawSrc)
	if err != nil {
		return Address{}, fmt.Errorf("%w: bad src: %v", unifs.ErrInvalidAddress, err)
	}
	if src == "" {
		return Address{}, fmt.Errorf("%w: %s has no src", unifs.ErrInvalidAddress, loc)
	}

	entry := "/"
	if rawPath != "" {
		if entry, err = url.PathUnescape(rawPath); err != nil {
			return Address{}, fmt.Errorf("%w: bad path: %v", unifs.ErrInvalidAddress, err)
		}
	}

	normalized, err := NormalizeEntryPath(strings.TrimLeft(entry, "/"))
	if err != nil {
		return Address{}, err
	}
	return Address{Source: src, Path: normalized}, nil
}

func splitQuery(q string) (src, entry string, err error) {
	switch {
	case strings.HasPrefix(q, "src="):
		rest := q[len("src="):]
		if i := strings.LastIndex(rest, "&path="); i >= 0 {
			return rest[:i], rest[i+len("&path="):], nil
		}
		return rest, "", nil
	case strings.HasPrefix(q, "path="):
		rest := q[len("path="):]
		if i := strings.Index(rest, "&src="); i >= 0 {
			return rest[i+len("&src="):], rest[:i], nil
		}
		return "", "", fmt.Errorf("missing src parameter")
	}
	return "", "", fmt.Errorf("missing src parameter")
}

// Chain unwraps nested archive sources. The first element is loc itself and
// the last addresses the outermost archive whose source is not an archive.
// More than maxDepth layers fail with unifs.ErrDepthExceeded before any I/O.
func Chain(loc unifs.Location, maxDepth int) ([]Address, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	var chain []Address
	for {
		if len(chain) == maxDepth {
			return nil, fmt.Errorf("%w: more than %d nested archives", unifs.ErrDepthExceeded, maxDepth)
		}
		addr, err := ParseAddress(loc)
		if err != nil {
			return nil, err
		}
		chain = append(chain, addr)

		src := unifs.Parse(addr.Source)
		if src.Scheme() != Scheme {
			return chain, nil
		}
		loc = src
	}
}
