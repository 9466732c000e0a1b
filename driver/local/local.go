package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gobeaver/unifs"
	"go.uber.org/zap"
)

// Provider serves file:// locations from the local disk.
type Provider struct {
	home   string
	logger *zap.Logger
}

var (
	_ unifs.Provider    = (*Provider)(nil)
	_ unifs.CanOpen     = (*Provider)(nil)
	_ unifs.CanChecksum = (*Provider)(nil)
	_ unifs.CanWatch    = (*Provider)(nil)
)

// Option configures a Provider
type Option func(*Provider)

// WithLogger sets the provider's logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

// WithHomeDir overrides the directory a leading "~" expands to
func WithHomeDir(dir string) Option {
	return func(p *Provider) {
		p.home = dir
	}
}

// New creates a local filesystem provider
func New(options ...Option) *Provider {
	p := &Provider{logger: zap.NewNop()}
	if home, err := os.UserHomeDir(); err == nil {
		p.home = home
	}
	for _, option := range options {
		option(p)
	}
	return p
}

func (p *Provider) Scheme() string { return unifs.SchemeFile }

// resolve maps a file:// location to an absolute host path, expanding a
// leading "~" to the home directory.
func (p *Provider) resolve(loc unifs.Location) (string, error) {
	if loc.Scheme() != unifs.SchemeFile {
		return "", fmt.Errorf("%w: %s is not a file location", unifs.ErrInvalidAddress, loc)
	}
	path := loc.Path()
	if path == "/~" || strings.HasPrefix(path, "/~/") {
		if p.home == "" {
			return "", fmt.Errorf("%w: home directory unknown", unifs.ErrInvalidAddress)
		}
		return filepath.Join(p.home, filepath.FromSlash(strings.TrimPrefix(path[2:], "/"))), nil
	}
	return osPath(path), nil
}

// ReadDirectory implements unifs.Provider
func (p *Provider) ReadDirectory(ctx context.Context, loc unifs.Location) ([]unifs.FileItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dir, err := p.resolve(loc)
	if err != nil {
		return nil, unifs.NewPathError("readdir", loc, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapError("readdir", loc, err)
	}

	items := make([]unifs.FileItem, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Entry vanished between ReadDir and Lstat.
			continue
		}
		items = append(items, p.itemFor(loc.Join(entry.Name()), filepath.Join(dir, entry.Name()), info))
	}

	unifs.SortItems(items)
	return items, nil
}

// itemFor builds a FileItem from Lstat info, following symlinks for the
// directory flag and size.
func (p *Provider) itemFor(loc unifs.Location, full string, info os.FileInfo) unifs.FileItem {
	isLink := info.Mode()&os.ModeSymlink != 0
	if isLink {
		if target, err := os.Stat(full); err == nil {
			info = target
		}
	}

	item := unifs.NewFileItem(loc, info.Size(), info.ModTime(), info.IsDir())
	item.IsSymlink = isLink
	item.IsHidden = isHidden(item.Name, info)
	if item.IsDir {
		item.Size = 0
	}
	return item
}

// GetFileMetadata implements unifs.Provider
func (p *Provider) GetFileMetadata(ctx context.Context, loc unifs.Location) (*unifs.FileItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	full, err := p.resolve(loc)
	if err != nil {
		return nil, unifs.NewPathError("stat", loc, err)
	}

	info, err := os.Lstat(full)
	if err != nil {
		return nil, mapError("stat", loc, err)
	}

	item := p.itemFor(loc, full, info)
	if loc.IsRoot() {
		item.Name = "/"
	}
	return &item, nil
}

// CreateDirectory implements unifs.Provider
func (p *Provider) CreateDirectory(ctx context.Context, loc unifs.Location) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	full, err := p.resolve(loc)
	if err != nil {
		return unifs.NewPathError("mkdir", loc, err)
	}

	if _, err := os.Lstat(full); err == nil {
		return unifs.NewPathError("mkdir", loc, unifs.ErrExist)
	}

	if err := os.MkdirAll(full, 0755); err != nil {
		return mapError("mkdir", loc, err)
	}
	return nil
}

// Delete implements unifs.Provider. Directories are removed with their contents.
func (p *Provider) Delete(ctx context.Context, loc unifs.Location) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	full, err := p.resolve(loc)
	if err != nil {
		return unifs.NewPathError("delete", loc, err)
	}
	if loc.IsRoot() {
		return unifs.NewPathError("delete", loc, unifs.ErrPermission)
	}

	info, err := os.Lstat(full)
	if err != nil {
		return mapError("delete", loc, err)
	}

	if info.IsDir() {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil {
		return mapError("delete", loc, err)
	}

	p.logger.Debug("deleted", zap.String("path", full), zap.Bool("dir", info.IsDir()))
	return nil
}

// Rename implements unifs.Provider. Renames that only change the case of
// the name go through a temporary name so they work on case-insensitive
// filesystems.
func (p *Provider) Rename(ctx context.Context, from, to unifs.Location) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	src, err := p.resolve(from)
	if err != nil {
		return unifs.NewPathError("rename", from, err)
	}
	dst, err := p.resolve(to)
	if err != nil {
		return unifs.NewPathError("rename", to, err)
	}

	srcInfo, err := os.Lstat(src)
	if err != nil {
		return mapError("rename", from, err)
	}

	if isCaseOnlyRename(src, dst) {
		if dstInfo, err := os.Lstat(dst); err == nil && !os.SameFile(srcInfo, dstInfo) {
			return unifs.NewPathError("rename", to, unifs.ErrExist)
		}
		if err := renameCaseOnly(src, dst); err != nil {
			return mapError("rename", from, err)
		}
		p.logger.Debug("case-only rename", zap.String("from", src), zap.String("to", dst))
		return nil
	}

	if _, err := os.Lstat(dst); err == nil {
		return unifs.NewPathError("rename", to, unifs.ErrExist)
	}

	if err := os.Rename(src, dst); err != nil {
		return mapError("rename", from, err)
	}
	return nil
}

// Copy implements unifs.Provider. Directories are copied recursively.
func (p *Provider) Copy(ctx context.Context, from, to unifs.Location) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	src, err := p.resolve(from)
	if err != nil {
		return unifs.NewPathError("copy", from, err)
	}
	dst, err := p.resolve(to)
	if err != nil {
		return unifs.NewPathError("copy", to, err)
	}

	if _, err := os.Lstat(src); err != nil {
		return mapError("copy", from, err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return unifs.NewPathError("copy", to, unifs.ErrExist)
	}
	if isWithin(src, dst) {
		return unifs.NewPathError("copy", to, fmt.Errorf("%w: destination inside source", unifs.ErrTraversal))
	}

	if err := copyTree(src, dst); err != nil {
		return mapError("copy", to, err)
	}
	return nil
}

// isWithin reports whether target is dir or lies below it. Names such as
// "..x" are ordinary children.
func isWithin(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Move implements unifs.Provider. It renames, falling back to copy and
// delete when source and destination are on different devices.
func (p *Provider) Move(ctx context.Context, from, to unifs.Location) error {
	err := p.Rename(ctx, from, to)
	if err == nil || !isCrossDevice(err) {
		return err
	}

	if err := p.Copy(ctx, from, to); err != nil {
		return err
	}
	return p.Delete(ctx, from)
}

// Capabilities implements unifs.Provider
func (p *Provider) Capabilities(loc unifs.Location) unifs.Capabilities {
	caps := unifs.ReadWriteCapabilities(unifs.SchemeFile, "Local Disk")
	caps.SupportsWatching = true
	return caps
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Open implements unifs.CanOpen
func (p *Provider) Open(ctx context.Context, loc unifs.Location) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	full, err := p.resolve(loc)
	if err != nil {
		return nil, unifs.NewPathError("open", loc, err)
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, mapError("open", loc, err)
	}
	if info.IsDir() {
		return nil, unifs.NewPathError("open", loc, unifs.ErrIsDir)
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, mapError("open", loc, err)
	}
	return f, nil
}

// Checksum implements unifs.CanChecksum
func (p *Provider) Checksum(ctx context.Context, loc unifs.Location, algorithm unifs.ChecksumAlgorithm) (string, error) {
	rc, err := p.Open(ctx, loc)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	sum, err := unifs.CalculateChecksum(rc, algorithm)
	if err != nil {
		return "", unifs.NewPathError("checksum", loc, err)
	}
	return sum, nil
}

// LocalPath returns the host path for loc. Other providers use it to avoid
// copying local archives into the cache.
func (p *Provider) LocalPath(loc unifs.Location) (string, error) {
	return p.resolve(loc)
}

// ============================================================================
// Helpers
// ============================================================================

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return errors.Is(linkErr.Err, syscall.EXDEV)
	}
	return errors.Is(err, syscall.EXDEV)
}

// mapError converts os errors to unifs errors
func mapError(op string, loc unifs.Location, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &unifs.PathError{Op: op, Path: loc.String(), Err: unifs.ErrNotExist}
	case errors.Is(err, fs.ErrExist):
		return &unifs.PathError{Op: op, Path: loc.String(), Err: unifs.ErrExist}
	case errors.Is(err, fs.ErrPermission):
		return &unifs.PathError{Op: op, Path: loc.String(), Err: unifs.ErrPermission}
	case errors.Is(err, syscall.ENOTDIR):
		return &unifs.PathError{Op: op, Path: loc.String(), Err: unifs.ErrNotDir}
	}
	return &unifs.PathError{Op: op, Path: loc.String(), Err: err}
}
