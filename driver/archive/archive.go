package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gobeaver/unifs"
	"github.com/gobeaver/unifs/internal/metrics"
	"go.uber.org/zap"
)

// Limits bound the work a single archive can cause.
type Limits struct {
	// MaxEntries fails a scan of an archive with more members.
	MaxEntries int
	// MaxEntrySize fails extraction of a member larger than this.
	MaxEntrySize int64
	// MaxDepth bounds archive:// nesting.
	MaxDepth int
}

// DefaultLimits returns the default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:   200000,
		MaxEntrySize: 4 << 30,
		MaxDepth:     DefaultMaxDepth,
	}
}

// Provider serves the read-only archive:// scheme.
//
// An address names a member path inside the archive found at its src,
// which may live on any registered provider or be a member of another
// archive. Member listings come from a cached structure scan; member
// content is extracted into the ExtractionCache.
type Provider struct {
	unifs.ReadOnly

	registry   *unifs.Registry
	structures *StructureCache
	cache      *ExtractionCache
	limits     Limits
	logger     *zap.Logger
}

var (
	_ unifs.Provider = (*Provider)(nil)
	_ unifs.CanOpen  = (*Provider)(nil)
)

// Option configures a Provider
type Option func(*Provider)

// WithLogger sets the provider's logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

// WithRegistry resolves archive sources through r. Without a registry only
// local file sources can be opened.
func WithRegistry(r *unifs.Registry) Option {
	return func(p *Provider) {
		p.registry = r
	}
}

// WithLimits sets entry count, entry size and nesting limits
func WithLimits(l Limits) Option {
	return func(p *Provider) {
		p.limits = l
	}
}

// WithStructureCache replaces the structure cache
func WithStructureCache(c *StructureCache) Option {
	return func(p *Provider) {
		p.structures = c
	}
}

// New creates an archive provider extracting into cache.
func New(cache *ExtractionCache, options ...Option) *Provider {
	p := &Provider{
		cache:  cache,
		limits: DefaultLimits(),
		logger: zap.NewNop(),
	}
	for _, option := range options {
		option(p)
	}
	if p.structures == nil {
		p.structures = NewStructureCache(32)
	}
	return p
}

func (p *Provider) Scheme() string { return Scheme }

// Cache returns the extraction cache.
func (p *Provider) Cache() *ExtractionCache { return p.cache }

// Structures returns the structure cache.
func (p *Provider) Structures() *StructureCache { return p.structures }

// source is a real file holding an archive. modTime is the logical
// modification time of the archive, which for cached copies is that of the
// original rather than of the cache file.
type source struct {
	path    string
	name    string
	key     string
	modTime time.Time
}

// resolve unwraps loc down to a real archive file and returns the address
// within it together with its structure.
func (p *Provider) resolve(ctx context.Context, loc unifs.Location) (Address, *source, *Structure, error) {
	chain, err := Chain(loc, p.limits.MaxDepth)
	if err != nil {
		return Address{}, nil, nil, err
	}

	outermost := chain[len(chain)-1]
	src, err := p.fetchSource(ctx, unifs.Parse(outermost.Source))
	if err != nil {
		return Address{}, nil, nil, err
	}

	for i := len(chain) - 1; i > 0; i-- {
		st, err := p.structure(src)
		if err != nil {
			return Address{}, nil, nil, err
		}
		if src, err = p.nestedSource(src, st, chain[i].Path); err != nil {
			return Address{}, nil, nil, err
		}
	}

	st, err := p.structure(src)
	if err != nil {
		return Address{}, nil, nil, err
	}
	return chain[0], src, st, nil
}

type localPather interface {
	LocalPath(loc unifs.Location) (string, error)
}

// fetchSource returns a real file for a non-archive source. Local files are
// used in place; anything else is copied into the extraction cache.
func (p *Provider) fetchSource(ctx context.Context, loc unifs.Location) (*source, error) {
	var provider unifs.Provider
	if p.registry != nil {
		provider, _ = p.registry.ResolveLocation(loc)
	}

	if lp, ok := provider.(localPather); ok {
		real, err := lp.LocalPath(loc)
		if err != nil {
			return nil, err
		}
		return localSource(real, loc.Name())
	}
	if provider == nil {
		if loc.Scheme() != unifs.SchemeFile {
			return nil, fmt.Errorf("%w: %s", unifs.ErrNoProvider, loc.Scheme())
		}
		return localSource(filepath.FromSlash(loc.Path()), loc.Name())
	}

	opener, ok := provider.(unifs.CanOpen)
	if !ok {
		return nil, fmt.Errorf("%w: %s sources cannot be read", unifs.ErrNotSupported, loc.Scheme())
	}
	meta, err := provider.GetFileMetadata(ctx, loc)
	if err != nil {
		return nil, err
	}
	if meta.IsDir {
		return nil, unifs.ErrIsDir
	}

	key := unifs.KeyHash("remote", loc.String(), strconv.FormatInt(meta.ModTime.UnixNano(), 10), strconv.FormatInt(meta.Size, 10))
	target, err := p.cached(key, loc.Name(), func(w func(io.Reader) error) error {
		rc, err := opener.Open(ctx, loc)
		if err != nil {
			return err
		}
		defer rc.Close()
		return w(rc)
	})
	if err != nil {
		return nil, err
	}
	return &source{path: target, name: loc.Name(), key: key, modTime: meta.ModTime}, nil
}

func localSource(real, name string) (*source, error) {
	info, err := os.Stat(real)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, unifs.ErrIsDir
	}
	canonical, err := filepath.EvalSymlinks(real)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = filepath.Base(real)
	}
	return &source{path: canonical, name: name, key: canonical, modTime: info.ModTime()}, nil
}

// nestedSource extracts the archive member entryPath of outer into the
// cache and returns it as a source.
func (p *Provider) nestedSource(outer *source, st *Structure, entryPath string) (*source, error) {
	entry, ok := st.Lookup(entryPath)
	if !ok {
		return nil, fmt.Errorf("%w: nested archive %s", unifs.ErrNotExist, entryPath)
	}
	target, key, err := p.extractCached(outer, st, entry)
	if err != nil {
		return nil, err
	}
	return &source{path: target, name: entry.Name(), key: key, modTime: outer.modTime}, nil
}

func (p *Provider) structure(src *source) (*Structure, error) {
	if st, ok := p.structures.Get(src.key, src.modTime); ok {
		return st, nil
	}

	st, err := scanStructure(src.path, src.name, src.modTime, p.limits)
	if err != nil {
		return nil, err
	}
	p.structures.Put(src.key, st)
	p.logger.Debug("scanned archive", zap.String("archive", src.name), zap.Int("entries", st.Len()), zap.Stringer("format", st.Format))
	return st, nil
}

// ============================================================================
// Extraction
// ============================================================================

// extractCached returns the cache file holding entry, extracting it under
// the entry's lock if no fresh copy exists.
func (p *Provider) extractCached(src *source, st *Structure, entry Entry) (string, string, error) {
	if entry.Symlink {
		return "", "", fmt.Errorf("%w: %s", unifs.ErrSymlink, entry.Path)
	}
	if entry.IsDir {
		return "", "", unifs.ErrIsDir
	}

	key := unifs.KeyHash(src.key, strconv.FormatInt(src.modTime.UnixNano(), 10), entry.Path)
	target, err := p.cached(key, entry.Name(), func(w func(io.Reader) error) error {
		return p.extractEntry(src, st.Format, entry.Path, w)
	})
	return target, key, err
}

// cached returns the fresh cache file for key, filling it with fill when
// missing or expired.
func (p *Provider) cached(key, name string, fill func(w func(io.Reader) error) error) (string, error) {
	if p.cache == nil {
		return "", fmt.Errorf("%w: no extraction cache configured", unifs.ErrNotSupported)
	}
	target := p.cache.PathFor(key, name)

	if p.cache.IsFresh(target) {
		_ = p.cache.Touch(target)
		metrics.RecordArchiveExtraction("hit")
		return p.verifyCached(target)
	}

	release, err := p.cache.AcquireLock(target)
	if err != nil {
		metrics.RecordArchiveExtraction("locked")
		return "", err
	}
	defer release()

	// Another extractor may have finished while we waited for the lock.
	if !p.cache.IsFresh(target) {
		if err := fill(func(r io.Reader) error { return p.cache.Put(target, r) }); err != nil {
			metrics.RecordArchiveExtraction("error")
			return "", err
		}
		metrics.RecordArchiveExtraction("extracted")
	}

	if _, err := p.cache.Prune(false); err != nil {
		p.logger.Warn("archive cache prune failed", zap.Error(err))
	}
	return p.verifyCached(target)
}

// verifyCached resolves target and checks it is still inside the cache.
func (p *Provider) verifyCached(target string) (string, error) {
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", err
	}
	if !within(p.cache.Dir(), resolved) {
		return "", fmt.Errorf("%w: cached file resolves outside the cache", unifs.ErrTraversal)
	}
	return resolved, nil
}

// extractEntry streams one member of src to write.
func (p *Provider) extractEntry(src *source, format Format, entryPath string, write func(io.Reader) error) error {
	found := false
	err := walk(src.path, src.name, format, p.limits.MaxEntrySize, func(e Entry, open func() (io.Reader, error)) (bool, error) {
		if e.Path != entryPath {
			return false, nil
		}
		found = true
		if e.Symlink {
			return true, fmt.Errorf("%w: %s", unifs.ErrSymlink, e.Path)
		}
		if e.IsDir {
			return true, unifs.ErrIsDir
		}
		r, err := open()
		if err != nil {
			return true, err
		}
		return true, write(p.limit(r))
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", unifs.ErrNotExist, entryPath)
	}
	return nil
}

func (p *Provider) limit(r io.Reader) io.Reader {
	if p.limits.MaxEntrySize <= 0 {
		return r
	}
	return &sizeLimitedReader{r: r, max: p.limits.MaxEntrySize}
}

// sizeLimitedReader fails once more than max bytes have been read.
type sizeLimitedReader struct {
	r   io.Reader
	n   int64
	max int64
}

func (l *sizeLimitedReader) Read(b []byte) (int, error) {
	n, err := l.r.Read(b)
	l.n += int64(n)
	if l.n > l.max {
		return n, fmt.Errorf("%w: entry larger than %d bytes", unifs.ErrLimitExceeded, l.max)
	}
	return n, err
}

// ============================================================================
// Provider contract
// ============================================================================

// ReadDirectory implements unifs.Provider
func (p *Provider) ReadDirectory(ctx context.Context, loc unifs.Location) ([]unifs.FileItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	addr, _, st, err := p.resolve(ctx, loc)
	if err != nil {
		return nil, mapError("readdir", loc, err)
	}

	children, err := st.Children(addr.Path)
	if err != nil {
		return nil, mapError("readdir", loc, err)
	}

	items := make([]unifs.FileItem, 0, len(children))
	for _, e := range children {
		items = append(items, itemFor(addr.Source, e))
	}
	unifs.SortItems(items)
	return items, nil
}

func itemFor(src string, e Entry) unifs.FileItem {
	name := e.Name()
	item := unifs.FileItem{
		Name:      name,
		Path:      NewLocation(src, e.Path).String(),
		Size:      e.Size,
		ModTime:   e.ModTime,
		IsDir:     e.IsDir,
		IsHidden:  strings.HasPrefix(name, "."),
		IsSymlink: e.Symlink,
	}
	if !e.IsDir {
		item.Extension = unifs.Extension(name)
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

	addr, src, st, err := p.resolve(ctx, loc)
	if err != nil {
		return nil, mapError("stat", loc, err)
	}

	entry, ok := st.Lookup(addr.Path)
	if !ok {
		return nil, mapError("stat", loc, unifs.ErrNotExist)
	}

	item := itemFor(addr.Source, entry)
	if addr.Path == "" {
		item.Name = src.name
		item.ModTime = src.modTime
	}
	return &item, nil
}

// Capabilities implements unifs.Provider
func (p *Provider) Capabilities(loc unifs.Location) unifs.Capabilities {
	return unifs.ReadOnlyCapabilities(Scheme, "Archive")
}

// Open implements unifs.CanOpen. The member is extracted into the cache
// and the cached file is opened.
func (p *Provider) Open(ctx context.Context, loc unifs.Location) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	path, err := p.Extract(ctx, loc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, mapError("open", loc, err)
	}
	return f, nil
}

// Extract returns the path of a cached copy of the member at loc.
func (p *Provider) Extract(ctx context.Context, loc unifs.Location) (string, error) {
	addr, src, st, err := p.resolve(ctx, loc)
	if err != nil {
		return "", mapError("extract", loc, err)
	}
	entry, ok := st.Lookup(addr.Path)
	if !ok {
		return "", mapError("extract", loc, unifs.ErrNotExist)
	}
	target, _, err := p.extractCached(src, st, entry)
	if err != nil {
		return "", mapError("extract", loc, err)
	}
	return target, nil
}

// ExtractTo copies the member at loc into destDir and returns the path
// written. A directory member is extracted with everything below it. Any
// symlink member or path escaping destDir fails the whole extraction
// before anything is written.
func (p *Provider) ExtractTo(ctx context.Context, loc unifs.Location, destDir string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	addr, src, st, err := p.resolve(ctx, loc)
	if err != nil {
		return "", mapError("extract", loc, err)
	}
	entry, ok := st.Lookup(addr.Path)
	if !ok {
		return "", mapError("extract", loc, unifs.ErrNotExist)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", mapError("extract", loc, err)
	}
	dest, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		return "", mapError("extract", loc, err)
	}

	rootName := entry.Name()
	if addr.Path == "" {
		rootName = strings.TrimSuffix(src.name, path.Ext(src.name))
	}
	root, err := safeJoin(dest, rootName)
	if err != nil {
		return "", mapError("extract", loc, err)
	}

	// Plan every target before writing anything.
	members := []Entry{entry}
	if entry.IsDir {
		members = st.Descendants(addr.Path)
	}
	targets := make(map[string]string, len(members))
	var dirs []string
	for _, e := range members {
		if e.Symlink {
			return "", mapError("extract", loc, fmt.Errorf("%w: %s", unifs.ErrSymlink, e.Path))
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(e.Path, addr.Path), "/")
		target := root
		if rel != "" {
			if target, err = safeJoin(root, rel); err != nil {
				return "", mapError("extract", loc, err)
			}
		}
		if e.IsDir {
			dirs = append(dirs, target)
		} else {
			targets[e.Path] = target
		}
	}

	if entry.IsDir {
		dirs = append(dirs, root)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return "", mapError("extract", loc, err)
		}
	}

	err = walk(src.path, src.name, st.Format, p.limits.MaxEntrySize, func(e Entry, open func() (io.Reader, error)) (bool, error) {
		target, ok := targets[e.Path]
		if !ok || e.IsDir {
			return false, nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return true, err
		}
		r, err := open()
		if err != nil {
			return true, err
		}
		if err := writeAtomic(target, p.limit(r), 0644); err != nil {
			return true, err
		}
		delete(targets, e.Path)
		return len(targets) == 0, nil
	})
	if err != nil {
		return "", mapError("extract", loc, err)
	}

	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", mapError("extract", loc, err)
	}
	if !within(dest, resolved) {
		return "", mapError("extract", loc, fmt.Errorf("%w: %s resolves outside %s", unifs.ErrTraversal, root, dest))
	}
	return resolved, nil
}

// Prune prunes the extraction cache. Unless force is set, calls within the
// prune interval of the previous prune do nothing.
func (p *Provider) Prune(force bool) (PruneStats, error) {
	if p.cache == nil {
		return PruneStats{Skipped: true}, nil
	}
	return p.cache.Prune(force)
}

// mapError wraps err for loc, translating os errors to unifs errors
func mapError(op string, loc unifs.Location, err error) error {
	var pathErr *unifs.PathError
	if errors.As(err, &pathErr) {
		return err
	}
	switch {
	case errors.Is(err, os.ErrNotExist) && !errors.Is(err, unifs.ErrNotExist):
		err = unifs.ErrNotExist
	case errors.Is(err, os.ErrPermission):
		err = unifs.ErrPermission
	}
	return unifs.NewPathError(op, loc, err)
}
