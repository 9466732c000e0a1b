package unifs

import (
	"path"
	"strconv"
	"strings"
	"unicode"
)

// SchemeFile is the scheme assumed for bare paths.
const SchemeFile = "file"

// Location is a normalized address of the form scheme://authority/path.
//
// Locations are values: they are built once by Parse or NewLocation and
// never mutated. The canonical string form is always derived from the
// fields, so Parse(loc.String()) == loc for every Location.
type Location struct {
	scheme    string
	authority string
	path      string
	query     string
}

// Parse parses raw into a Location. It never fails: input it cannot make
// sense of degrades to the root of the local filesystem.
//
// A bare path without "://" is treated as a local path. For every scheme
// except file, anything after the first '?' is kept as the query, and
// "%3F" and "%25" in the authority and path decode to '?' and '%'. Leading
// whitespace is ignored; trailing whitespace belongs to the path.
func Parse(raw string) Location {
	raw = strings.TrimLeftFunc(raw, unicode.IsSpace)
	if raw == "" || strings.ContainsRune(raw, 0) {
		return rootLocation()
	}

	idx := strings.Index(raw, "://")
	if idx < 0 {
		return Location{scheme: SchemeFile, path: sanitizePath(raw)}
	}

	scheme := strings.ToLower(raw[:idx])
	if !validScheme(scheme) {
		return rootLocation()
	}

	rest := raw[idx+3:]
	var query string
	if scheme != SchemeFile {
		if q := strings.IndexByte(rest, '?'); q >= 0 {
			rest, query = rest[:q], rest[q+1:]
		}
	}

	authority, p := rest, ""
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		authority, p = rest[:slash], rest[slash:]
	}
	if scheme != SchemeFile {
		authority, p = unescapeQueryMarks.Replace(authority), unescapeQueryMarks.Replace(p)
	}

	return Location{
		scheme:    scheme,
		authority: authority,
		path:      sanitizePath(p),
		query:     query,
	}
}

// NewLocation builds a Location from its parts, normalizing scheme and path.
func NewLocation(scheme, authority, p string) Location {
	scheme = strings.ToLower(scheme)
	if !validScheme(scheme) {
		return rootLocation()
	}
	return Location{scheme: scheme, authority: authority, path: sanitizePath(p)}
}

// WithQuery returns a copy of l carrying the given raw query.
func (l Location) WithQuery(query string) Location {
	l.query = query
	return l
}

// Outside file locations a literal '?' would start the query, so String
// escapes it along with '%'.
var (
	escapeQueryMarks   = strings.NewReplacer("%", "%25", "?", "%3F")
	unescapeQueryMarks = strings.NewReplacer("%25", "%", "%3F", "?", "%3f", "?")
)

func rootLocation() Location {
	return Location{scheme: SchemeFile, path: "/"}
}

func validScheme(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}

// sanitizePath collapses duplicate separators, forces a leading slash and
// strips the trailing one. A leading "//" is kept for network-share paths.
func sanitizePath(p string) string {
	if p == "" {
		return "/"
	}

	prefix := "/"
	if strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "///") {
		prefix = "//"
	}

	parts := strings.Split(p, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		return "/"
	}
	return prefix + strings.Join(kept, "/")
}

// Scheme returns the lowercase scheme.
func (l Location) Scheme() string { return l.scheme }

// Authority returns the raw authority, possibly empty.
func (l Location) Authority() string { return l.authority }

// Path returns the normalized path. It always starts with '/'.
func (l Location) Path() string { return l.path }

// Query returns the raw query without the leading '?'.
func (l Location) Query() string { return l.query }

// String returns the canonical form of the address.
func (l Location) String() string {
	if l.scheme == "" {
		return rootLocation().String()
	}
	var b strings.Builder
	b.WriteString(l.scheme)
	b.WriteString("://")
	if l.scheme == SchemeFile {
		b.WriteString(l.authority)
		b.WriteString(l.path)
	} else {
		escapeQueryMarks.WriteString(&b, l.authority)
		escapeQueryMarks.WriteString(&b, l.path)
	}
	if l.query != "" {
		b.WriteByte('?')
		b.WriteString(l.query)
	}
	return b.String()
}

// IsRoot reports whether the path is the root of its authority.
func (l Location) IsRoot() bool {
	return l.path == "/" || l.path == "//"
}

// Name returns the last path element, or "" at the root.
func (l Location) Name() string {
	if l.IsRoot() {
		return ""
	}
	return path.Base(l.path)
}

// Parent returns the containing directory. The root is its own parent.
func (l Location) Parent() Location {
	if l.IsRoot() {
		return l
	}
	dir := l.path[:strings.LastIndexByte(l.path, '/')]
	return Location{scheme: l.scheme, authority: l.authority, path: sanitizePath(dir)}
}

// Join returns the child location name under l. The query is dropped.
func (l Location) Join(name ...string) Location {
	p := l.path
	for _, n := range name {
		p = strings.TrimSuffix(p, "/") + "/" + strings.Trim(n, "/")
	}
	return Location{scheme: l.scheme, authority: l.authority, path: sanitizePath(p)}
}

// User returns the user part of the authority, if any.
func (l Location) User() string {
	if at := strings.LastIndexByte(l.authority, '@'); at >= 0 {
		return l.authority[:at]
	}
	return ""
}

// Host returns the authority without user and port.
func (l Location) Host() string {
	host := l.authority
	if at := strings.LastIndexByte(host, '@'); at >= 0 {
		host = host[at+1:]
	}
	if strings.HasPrefix(host, "[") {
		if end := strings.IndexByte(host, ']'); end > 0 {
			return host[1:end]
		}
	}
	if colon := strings.LastIndexByte(host, ':'); colon >= 0 {
		if _, err := strconv.Atoi(host[colon+1:]); err == nil {
			return host[:colon]
		}
	}
	return host
}

// Port returns the explicit port in the authority, or 0.
func (l Location) Port() int {
	host := l.authority
	if at := strings.LastIndexByte(host, '@'); at >= 0 {
		host = host[at+1:]
	}
	if end := strings.LastIndexByte(host, ']'); end >= 0 {
		host = host[end+1:]
	}
	colon := strings.LastIndexByte(host, ':')
	if colon < 0 {
		return 0
	}
	port, err := strconv.Atoi(host[colon+1:])
	if err != nil || port <= 0 || port > 65535 {
		return 0
	}
	return port
}

// SameAuthority reports whether l and other address the same backend endpoint.
func (l Location) SameAuthority(other Location) bool {
	return l.scheme == other.scheme && strings.EqualFold(l.authority, other.authority)
}
