package archive

import (
	"testing"
	"time"
)

func testStructure(mod time.Time, paths ...string) *Structure {
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, Entry{Path: p, Size: int64(len(p)), ModTime: mod})
	}
	return newStructure(mod, FormatZip, entries)
}

func TestStructureChildren(t *testing.T) {
	mod := time.Now()
	s := newStructure(mod, FormatZip, []Entry{
		{Path: "b.txt", Size: 5},
		{Path: "a", IsDir: true},
		{Path: "a/x.txt", Size: 1},
		{Path: "a/deep/y.txt", Size: 2},
		{Path: "implicit/z.txt", Size: 3},
	})

	root, err := s.Children("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := map[string]Entry{}
	for _, e := range root {
		got[e.Name()] = e
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 root children, got %v", root)
	}
	if !got["implicit"].IsDir || got["implicit"].Size != 0 {
		t.Errorf("expected implicit dir with size 0, got %+v", got["implicit"])
	}
	if got["b.txt"].Size != 5 {
		t.Errorf("unexpected file entry %+v", got["b.txt"])
	}

	children, err := s.Children("a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(children) != 2 {
		t.Errorf("expected x.txt and deep, got %v", children)
	}

	if _, err := s.Children("missing"); err == nil {
		t.Error("expected error for missing directory")
	}
	if _, err := s.Children("b.txt"); err == nil {
		t.Error("expected error listing a file")
	}

	if n := len(s.Descendants("a")); n != 2 {
		t.Errorf("expected 2 descendants of a, got %d", n)
	}
}

func TestStructureCacheLRU(t *testing.T) {
	mod := time.Now()
	c := NewStructureCache(2)

	c.Put("a", testStructure(mod, "1"))
	c.Put("b", testStructure(mod, "2"))
	if _, ok := c.Get("a", mod); !ok {
		t.Fatal("expected hit for a")
	}
	c.Put("c", testStructure(mod, "3"))

	if _, ok := c.Get("b", mod); ok {
		t.Error("expected least recently used entry b to be evicted")
	}
	if _, ok := c.Get("a", mod); !ok {
		t.Error("expected recently used entry a to survive")
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
	if stats := c.Stats(); stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %+v", stats)
	}
}

func TestStructureCacheInvalidatesOnModTime(t *testing.T) {
	mod := time.Now()
	c := NewStructureCache(4)
	c.Put("a", testStructure(mod, "1"))

	if _, ok := c.Get("a", mod.Add(time.Second)); ok {
		t.Error("expected miss after the archive changed")
	}
	if _, ok := c.Get("a", mod); ok {
		t.Error("expected stale entry to be dropped")
	}
}
