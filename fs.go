package unifs

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

// FileItem is one directory entry as reported by a provider.
//
// Path is always a valid address for the provider that produced the item,
// so a directory item can be listed again without further resolution.
type FileItem struct {
	Name      string
	Path      string
	Size      int64
	ModTime   time.Time
	IsDir     bool
	IsHidden  bool
	IsSymlink bool
	Extension string

	// Backend-specific, optional.
	ChildCount   *int
	ImageWidth   *int
	ImageHeight  *int
	RemoteID     string
	ThumbnailURL string
	DownloadURL  string
}

// NewFileItem fills the name-derived fields of an item at loc.
func NewFileItem(loc Location, size int64, modTime time.Time, isDir bool) FileItem {
	name := loc.Name()
	item := FileItem{
		Name:     name,
		Path:     loc.String(),
		Size:     size,
		ModTime:  modTime,
		IsDir:    isDir,
		IsHidden: strings.HasPrefix(name, "."),
	}
	if !isDir {
		item.Extension = Extension(name)
	}
	return item
}

// Extension returns the lowercase extension of name without the dot.
func Extension(name string) string {
	ext := path.Ext(name)
	if ext == "" || ext == name {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// SortItems orders items directories first, then by case-insensitive name.
func SortItems(items []FileItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
}

// Capabilities describes what a provider can do at a given location.
// The UI layer uses it to disable actions instead of attempting them.
type Capabilities struct {
	Scheme      string
	DisplayName string

	CanRead   bool
	CanWrite  bool
	CanCreate bool
	CanDelete bool
	CanRename bool
	CanCopy   bool
	CanMove   bool

	SupportsWatching        bool
	RequiresExplicitRefresh bool
}

// ReadWriteCapabilities returns a fully writable descriptor.
func ReadWriteCapabilities(scheme, displayName string) Capabilities {
	return Capabilities{
		Scheme:      scheme,
		DisplayName: displayName,
		CanRead:     true,
		CanWrite:    true,
		CanCreate:   true,
		CanDelete:   true,
		CanRename:   true,
		CanCopy:     true,
		CanMove:     true,
	}
}

// ============================================================================
// Provider Contract
// ============================================================================

// Provider is the uniform directory/file contract every backend implements.
//
// Any method may block on network or process I/O. Implementations check ctx
// before starting work; I/O already in flight runs to completion.
type Provider interface {
	// Scheme returns the address scheme served by the provider.
	Scheme() string

	// ReadDirectory lists the immediate children of loc.
	ReadDirectory(ctx context.Context, loc Location) ([]FileItem, error)

	// GetFileMetadata returns the entry at loc.
	GetFileMetadata(ctx context.Context, loc Location) (*FileItem, error)

	// CreateDirectory creates the directory at loc.
	CreateDirectory(ctx context.Context, loc Location) error

	// Delete removes loc. Directories are removed recursively.
	Delete(ctx context.Context, loc Location) error

	// Rename renames from to to. An existing destination is an error.
	Rename(ctx context.Context, from, to Location) error

	// Copy copies from to to, recursively for directories.
	Copy(ctx context.Context, from, to Location) error

	// Move moves from to to. Most providers implement it as Rename.
	Move(ctx context.Context, from, to Location) error

	// Capabilities describes the operations available at loc.
	Capabilities(loc Location) Capabilities
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================
// Use type assertion to check if a provider supports a capability:
//
//	if opener, ok := p.(CanOpen); ok {
//	    rc, err := opener.Open(ctx, loc)
//	}

// CanOpen indicates the provider can stream file content.
type CanOpen interface {
	Open(ctx context.Context, loc Location) (io.ReadCloser, error)
}

// ChecksumAlgorithm represents a supported checksum algorithm
type ChecksumAlgorithm string

const (
	ChecksumMD5    ChecksumAlgorithm = "md5"
	ChecksumSHA1   ChecksumAlgorithm = "sha1"
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
	ChecksumSHA512 ChecksumAlgorithm = "sha512"
	ChecksumCRC32  ChecksumAlgorithm = "crc32"
	ChecksumXXHash ChecksumAlgorithm = "xxhash"
)

// CanChecksum indicates the provider can hash file content.
type CanChecksum interface {
	// Checksum returns the hex-encoded digest of the file at loc.
	Checksum(ctx context.Context, loc Location, algorithm ChecksumAlgorithm) (string, error)
}

// ChangeToken represents a change notification token.
//
// Consumers either poll HasChanged or register a callback. Tokens are
// single-use: once HasChanged reports true it stays true.
type ChangeToken interface {
	HasChanged() bool

	// ActiveChangeCallbacks indicates if the token proactively raises callbacks.
	ActiveChangeCallbacks() bool

	// RegisterChangeCallback registers callback and returns its unregister func.
	RegisterChangeCallback(callback func()) (unregister func())
}

// CanWatch indicates the provider emits change notifications.
// Only providers whose Capabilities report SupportsWatching implement it.
type CanWatch interface {
	// Watch returns a token that fires on the first change under loc whose
	// name matches filter. An empty filter matches everything.
	Watch(ctx context.Context, loc Location, filter string) (ChangeToken, error)
}
