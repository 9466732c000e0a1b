package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobeaver/unifs"
	"github.com/gobeaver/unifs/internal/metrics"
	"go.uber.org/zap"
)

const (
	lockSuffix = ".lock"
	tempMarker = ".tmp-"
)

// CacheConfig tunes the extraction cache.
type CacheConfig struct {
	Dir           string
	TTL           time.Duration
	MaxBytes      int64
	LockStaleAge  time.Duration
	PruneInterval time.Duration
}

// ExtractionCache stores extracted archive members as plain files.
//
// Entries are written to a temporary sibling and renamed into place, so a
// reader never observes a partial file. A sibling ".lock" file created with
// O_EXCL gives at most one extractor per entry across processes.
type ExtractionCache struct {
	cfg       CacheConfig
	now       func() time.Time
	lastPrune atomic.Int64
	logger    *zap.Logger
}

// PruneStats reports what one prune removed.
type PruneStats struct {
	Skipped      bool
	Expired      int
	Evicted      int
	BytesRemoved int64
	BytesKept    int64
}

// NewExtractionCache creates a cache rooted at cfg.Dir.
func NewExtractionCache(cfg CacheConfig, logger *zap.Logger) (*ExtractionCache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("archive cache directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create archive cache: %w", err)
	}
	dir, err := filepath.EvalSymlinks(cfg.Dir)
	if err != nil {
		return nil, err
	}
	cfg.Dir = dir
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.LockStaleAge <= 0 {
		cfg.LockStaleAge = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtractionCache{cfg: cfg, now: time.Now, logger: logger}, nil
}

// Dir returns the canonical cache directory.
func (c *ExtractionCache) Dir() string { return c.cfg.Dir }

// SetClock replaces the time source. Intended for tests.
func (c *ExtractionCache) SetClock(now func() time.Time) {
	c.now = now
}

// PathFor returns the cache file for key. name supplies the extension so
// the cached file keeps its type.
func (c *ExtractionCache) PathFor(key, name string) string {
	base := filepath.Base(filepath.FromSlash(name))
	if base == "." || base == string(filepath.Separator) {
		base = "entry"
	}
	return filepath.Join(c.cfg.Dir, key+"-"+base)
}

// IsFresh reports whether path exists and was written or touched within
// the TTL.
func (c *ExtractionCache) IsFresh(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return c.now().Sub(info.ModTime()) < c.cfg.TTL
}

// Touch marks path as recently used.
func (c *ExtractionCache) Touch(path string) error {
	now := c.now()
	return os.Chtimes(path, now, now)
}

// Put writes r to path through a temporary sibling and renames it into
// place, replacing any previous file.
func (c *ExtractionCache) Put(path string, r io.Reader) error {
	if err := writeAtomic(path, r, 0600); err != nil {
		return err
	}
	return c.Touch(path)
}

// writeAtomic writes r to a temporary sibling of path, then renames it over
// path. An existing path is removed first since rename does not replace
// files on every platform.
func writeAtomic(path string, r io.Reader, perm os.FileMode) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+tempMarker+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// AcquireLock takes the extraction lock for path without waiting. A lock
// older than the stale age is assumed to belong to a crashed process; it is
// removed and acquisition is retried once. Otherwise unifs.ErrLocked is
// returned.
func (c *ExtractionCache) AcquireLock(path string) (release func(), err error) {
	lockPath := path + lockSuffix

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			// The lock's age is judged by mtime, which must follow the cache clock.
			now := c.now()
			_ = os.Chtimes(lockPath, now, now)
			return func() { os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		info, statErr := os.Stat(lockPath)
		if statErr != nil {
			// Released between our open and stat.
			continue
		}
		if c.now().Sub(info.ModTime()) <= c.cfg.LockStaleAge {
			break
		}

		c.logger.Warn("removing stale extraction lock", zap.String("lock", lockPath), zap.Time("modified", info.ModTime()))
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", unifs.ErrLocked, filepath.Base(path))
}

func (c *ExtractionCache) isLocked(path string) bool {
	_, err := os.Stat(path + lockSuffix)
	return err == nil
}

// Prune removes expired entries and then, oldest first, enough entries to
// bring the cache under its byte cap. Locked entries are never removed.
// Unless force is set, a prune within PruneInterval of the previous one is
// skipped.
func (c *ExtractionCache) Prune(force bool) (PruneStats, error) {
	now := c.now()
	last := c.lastPrune.Load()
	if !force && c.cfg.PruneInterval > 0 && now.Sub(time.Unix(0, last)) < c.cfg.PruneInterval {
		return PruneStats{Skipped: true}, nil
	}
	if !c.lastPrune.CompareAndSwap(last, now.UnixNano()) {
		return PruneStats{Skipped: true}, nil
	}

	dirEntries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return PruneStats{}, err
	}

	type cached struct {
		path    string
		size    int64
		modTime time.Time
	}
	var stats PruneStats
	var live []cached

	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasSuffix(name, lockSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.cfg.Dir, name)

		if strings.Contains(name, tempMarker) {
			// Abandoned partial writes.
			if now.Sub(info.ModTime()) > c.cfg.LockStaleAge && !c.isLocked(c.targetOfTemp(name)) {
				os.Remove(path)
			}
			continue
		}

		if now.Sub(info.ModTime()) >= c.cfg.TTL && !c.isLocked(path) {
			if err := os.Remove(path); err == nil {
				stats.Expired++
				stats.BytesRemoved += info.Size()
			}
			continue
		}
		live = append(live, cached{path: path, size: info.Size(), modTime: info.ModTime()})
	}

	var total int64
	for _, e := range live {
		total += e.size
	}

	if c.cfg.MaxBytes > 0 && total > c.cfg.MaxBytes {
		sort.Slice(live, func(i, j int) bool { return live[i].modTime.Before(live[j].modTime) })
		for _, e := range live {
			if total <= c.cfg.MaxBytes {
				break
			}
			if c.isLocked(e.path) {
				continue
			}
			if err := os.Remove(e.path); err == nil {
				stats.Evicted++
				stats.BytesRemoved += e.size
				total -= e.size
			}
		}
	}
	stats.BytesKept = total

	metrics.RecordArchivePruned("ttl", stats.Expired)
	metrics.RecordArchivePruned("size", stats.Evicted)
	if stats.Expired > 0 || stats.Evicted > 0 {
		c.logger.Info("pruned archive cache",
			zap.Int("expired", stats.Expired),
			zap.Int("evicted", stats.Evicted),
			zap.Int64("bytes_removed", stats.BytesRemoved))
	}
	return stats, nil
}

// targetOfTemp maps ".<base>.tmp-<rand>" back to the entry it was writing.
func (c *ExtractionCache) targetOfTemp(name string) string {
	base := strings.TrimPrefix(name, ".")
	if i := strings.LastIndex(base, tempMarker); i >= 0 {
		base = base[:i]
	}
	return filepath.Join(c.cfg.Dir, base)
}
