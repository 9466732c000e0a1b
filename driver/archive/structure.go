package archive

import (
	"container/list"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/unifs"
	"github.com/gobeaver/unifs/internal/metrics"
)

// Structure is the flattened member list of one archive, captured together
// with the archive's modification time. It is immutable and shared by every
// caller that reads the same archive.
type Structure struct {
	ModTime time.Time
	Format  Format
	entries []Entry
	index   map[string]int
}

func newStructure(modTime time.Time, format Format, entries []Entry) *Structure {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	s := &Structure{
		ModTime: modTime,
		Format:  format,
		entries: entries,
		index:   make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		s.index[e.Path] = i
	}
	return s
}

// Len returns the number of explicit members.
func (s *Structure) Len() int { return len(s.entries) }

// Lookup returns the entry at p. Directories implied by deeper members
// exist even without an explicit entry. The root "" is always a directory.
func (s *Structure) Lookup(p string) (Entry, bool) {
	if p == "" {
		return Entry{IsDir: true}, true
	}
	if i, ok := s.index[p]; ok {
		return s.entries[i], true
	}

	prefix := p + "/"
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Path >= prefix })
	if i < len(s.entries) && strings.HasPrefix(s.entries[i].Path, prefix) {
		return Entry{Path: p, IsDir: true}, true
	}
	return Entry{}, false
}

// Children derives the immediate children of dir from the flat list.
// Directories that only exist as prefixes of deeper members are reported
// with size 0.
func (s *Structure) Children(dir string) ([]Entry, error) {
	parent, ok := s.Lookup(dir)
	if !ok {
		return nil, unifs.ErrNotExist
	}
	if !parent.IsDir {
		return nil, unifs.ErrNotDir
	}

	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	start := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Path >= prefix })
	seen := make(map[string]bool)
	var children []Entry
	for _, e := range s.entries[start:] {
		if !strings.HasPrefix(e.Path, prefix) {
			break
		}
		rest := e.Path[len(prefix):]
		if rest == "" {
			continue
		}

		name, deeper, _ := strings.Cut(rest, "/")
		child := e
		if deeper != "" {
			child = Entry{Path: prefix + name, IsDir: true}
		}

		// Entries are sorted, so an explicit entry precedes the members
		// nested below it.
		if seen[name] {
			continue
		}
		seen[name] = true
		children = append(children, child)
	}
	return children, nil
}

// Descendants returns every explicit member below dir, in path order.
func (s *Structure) Descendants(dir string) []Entry {
	if dir == "" {
		return append([]Entry(nil), s.entries...)
	}
	prefix := dir + "/"
	start := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Path >= prefix })
	var out []Entry
	for _, e := range s.entries[start:] {
		if !strings.HasPrefix(e.Path, prefix) {
			break
		}
		out = append(out, e)
	}
	return out
}

// scanStructure reads every member header of the archive at realPath.
func scanStructure(realPath, name string, modTime time.Time, limits Limits) (*Structure, error) {
	format, err := DetectFormat(realPath, name)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	err = walk(realPath, name, format, limits.MaxEntrySize, func(e Entry, _ func() (io.Reader, error)) (bool, error) {
		if limits.MaxEntries > 0 && len(entries) >= limits.MaxEntries {
			return true, fmt.Errorf("%w: more than %d entries", unifs.ErrLimitExceeded, limits.MaxEntries)
		}
		entries = append(entries, e)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return newStructure(modTime, format, entries), nil
}

// ============================================================================
// Structure cache
// ============================================================================

// StructureCache keeps the most recently used archive structures, keyed by
// the archive's canonical path. An entry is valid only while the archive's
// modification time is unchanged.
type StructureCache struct {
	mu        sync.Mutex
	capacity  int
	ll        *list.List
	items     map[string]*list.Element
	hits      int64
	misses    int64
	evictions int64
}

type structureItem struct {
	key       string
	structure *Structure
}

// NewStructureCache creates a cache holding at most capacity structures.
func NewStructureCache(capacity int) *StructureCache {
	if capacity <= 0 {
		capacity = 32
	}
	return &StructureCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached structure for key if it was captured at modTime.
// A stale structure is dropped.
func (c *StructureCache) Get(key string, modTime time.Time) (*Structure, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if ok {
		item := el.Value.(*structureItem)
		if item.structure.ModTime.Equal(modTime) {
			c.ll.MoveToFront(el)
			c.hits++
			metrics.RecordArchiveStructureLookup(true)
			return item.structure, true
		}
		c.ll.Remove(el)
		delete(c.items, key)
	}
	c.misses++
	metrics.RecordArchiveStructureLookup(false)
	return nil, false
}

// Put stores s under key, evicting the least recently used structure when
// the cache is full.
func (c *StructureCache) Put(key string, s *Structure) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*structureItem).structure = s
		c.ll.MoveToFront(el)
		return
	}

	c.items[key] = c.ll.PushFront(&structureItem{key: key, structure: s})
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*structureItem).key)
		c.evictions++
	}
}

// Len returns the number of cached structures.
func (c *StructureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns cache statistics.
func (c *StructureCache) Stats() unifs.CacheStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hitRate float64
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return unifs.CacheStatistics{
		Hits:      c.hits,
		Misses:    c.misses,
		Size:      int64(c.ll.Len()),
		Evictions: c.evictions,
		HitRate:   hitRate,
	}
}
