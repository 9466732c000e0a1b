package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gobeaver/unifs"
)

func fileLoc(path string) unifs.Location {
	return unifs.NewLocation(unifs.SchemeFile, "", filepath.ToSlash(path))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func names(items []unifs.FileItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Name
	}
	return out
}

func TestReadDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.TXT"), "bb")
	writeFile(t, filepath.Join(dir, "A.txt"), "a")
	writeFile(t, filepath.Join(dir, ".hidden"), "")
	writeFile(t, filepath.Join(dir, "zdir", "inner.txt"), "x")
	writeFile(t, filepath.Join(dir, "Adir", "inner.txt"), "x")

	p := New()
	items, err := p.ReadDirectory(ctx, fileLoc(dir))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"Adir", "zdir", ".hidden", "A.txt", "b.TXT"}
	got := names(items)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	for _, it := range items {
		switch it.Name {
		case ".hidden":
			if !it.IsHidden {
				t.Error("expected .hidden to be hidden")
			}
		case "b.TXT":
			if it.Size != 2 || it.Extension != "txt" {
				t.Errorf("unexpected item %+v", it)
			}
			if it.Path != fileLoc(filepath.Join(dir, "b.TXT")).String() {
				t.Errorf("unexpected path %q", it.Path)
			}
		case "Adir":
			if !it.IsDir || it.Extension != "" {
				t.Errorf("unexpected dir item %+v", it)
			}
		}
	}

	t.Run("item paths are navigable", func(t *testing.T) {
		children, err := p.ReadDirectory(ctx, unifs.Parse(items[0].Path))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(children) != 1 || children[0].Name != "inner.txt" {
			t.Errorf("unexpected children %v", names(children))
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := p.ReadDirectory(ctx, fileLoc(filepath.Join(dir, "nope")))
		if !unifs.IsNotExist(err) {
			t.Errorf("expected not exist, got %v", err)
		}
	})
}

func TestHomeExpansion(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "docs", "a.txt"), "hello")

	p := New(WithHomeDir(home))
	item, err := p.GetFileMetadata(ctx, unifs.Parse("~/docs/a.txt"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Size != 5 || item.Name != "a.txt" {
		t.Errorf("unexpected item %+v", item)
	}
}

func TestCreateAndDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := New()

	target := fileLoc(filepath.Join(dir, "a", "b"))
	if err := p.CreateDirectory(ctx, target); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.CreateDirectory(ctx, target); !unifs.IsExist(err) {
		t.Errorf("expected exists error, got %v", err)
	}

	writeFile(t, filepath.Join(dir, "a", "b", "c", "d.txt"), "x")
	if err := p.Delete(ctx, fileLoc(filepath.Join(dir, "a"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a")); !os.IsNotExist(err) {
		t.Error("expected directory tree to be removed")
	}

	if err := p.Delete(ctx, fileLoc(filepath.Join(dir, "a"))); !unifs.IsNotExist(err) {
		t.Errorf("expected not exist, got %v", err)
	}
	if err := p.Delete(ctx, unifs.Parse("file:///")); !unifs.IsPermission(err) {
		t.Errorf("expected root delete to be refused, got %v", err)
	}
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	p := New()

	t.Run("plain rename", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "a.txt"), "a")
		if err := p.Rename(ctx, fileLoc(filepath.Join(dir, "a.txt")), fileLoc(filepath.Join(dir, "b.txt"))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "b.txt")); err != nil {
			t.Errorf("expected b.txt: %v", err)
		}
	})

	t.Run("existing destination", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "a.txt"), "a")
		writeFile(t, filepath.Join(dir, "b.txt"), "b")
		err := p.Rename(ctx, fileLoc(filepath.Join(dir, "a.txt")), fileLoc(filepath.Join(dir, "b.txt")))
		if !unifs.IsExist(err) {
			t.Errorf("expected exists error, got %v", err)
		}
	})

	t.Run("case-only rename", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "Foo.txt"), "foo")

		err := p.Rename(ctx, fileLoc(filepath.Join(dir, "Foo.txt")), fileLoc(filepath.Join(dir, "foo.txt")))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		items, err := p.ReadDirectory(ctx, fileLoc(dir))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(items) != 1 || items[0].Name != "foo.txt" {
			t.Errorf("expected exactly foo.txt, got %v", names(items))
		}
	})

	t.Run("case-only onto a distinct file", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "Foo.txt"), "upper")
		if err := os.WriteFile(filepath.Join(dir, "foo.txt"), []byte("lower"), 0644); err != nil {
			t.Fatal(err)
		}
		a, _ := os.Stat(filepath.Join(dir, "Foo.txt"))
		b, _ := os.Stat(filepath.Join(dir, "foo.txt"))
		if os.SameFile(a, b) {
			t.Skip("filesystem is case-insensitive")
		}

		err := p.Rename(ctx, fileLoc(filepath.Join(dir, "Foo.txt")), fileLoc(filepath.Join(dir, "foo.txt")))
		if !unifs.IsExist(err) {
			t.Errorf("expected exists error, got %v", err)
		}
	})

	t.Run("missing source", func(t *testing.T) {
		dir := t.TempDir()
		err := p.Rename(ctx, fileLoc(filepath.Join(dir, "x")), fileLoc(filepath.Join(dir, "y")))
		if !unifs.IsNotExist(err) {
			t.Errorf("expected not exist, got %v", err)
		}
	})
}

func TestTempSiblingGivesUp(t *testing.T) {
	orig := lstat
	defer func() { lstat = orig }()

	calls := 0
	lstat = func(string) (os.FileInfo, error) {
		calls++
		return nil, nil
	}

	_, err := tempSibling(filepath.Join(t.TempDir(), "Foo.txt"))
	if !errors.Is(err, unifs.ErrExist) {
		t.Errorf("expected ErrExist, got %v", err)
	}
	if calls != maxTempAttempts {
		t.Errorf("expected %d attempts, got %d", maxTempAttempts, calls)
	}
}

func TestIsCaseOnlyRename(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{"/a/Foo.txt", "/a/foo.txt", true},
		{"/a/foo.txt", "/a/foo.txt", false},
		{"/a/Foo.txt", "/b/foo.txt", false},
		{"/a/Foo.txt", "/a/bar.txt", false},
	}
	for _, tt := range tests {
		if got := isCaseOnlyRename(filepath.FromSlash(tt.from), filepath.FromSlash(tt.to)); got != tt.want {
			t.Errorf("isCaseOnlyRename(%s, %s) = %v", tt.from, tt.to, got)
		}
	}
}

func TestCopyAndMove(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := New()

	writeFile(t, filepath.Join(dir, "src", "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "src", "sub", "b.txt"), "bb")

	if err := p.Copy(ctx, fileLoc(filepath.Join(dir, "src")), fileLoc(filepath.Join(dir, "dst"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "dst", "sub", "b.txt"))
	if err != nil || string(data) != "bb" {
		t.Errorf("expected copied content, got %q %v", data, err)
	}

	if err := p.Copy(ctx, fileLoc(filepath.Join(dir, "src")), fileLoc(filepath.Join(dir, "dst"))); !unifs.IsExist(err) {
		t.Errorf("expected exists error, got %v", err)
	}
	if err := p.Copy(ctx, fileLoc(filepath.Join(dir, "src")), fileLoc(filepath.Join(dir, "src", "sub", "x"))); !errors.Is(err, unifs.ErrTraversal) {
		t.Errorf("expected copy into itself to fail, got %v", err)
	}

	if err := p.Copy(ctx, fileLoc(filepath.Join(dir, "src")), fileLoc(filepath.Join(dir, "src", "..x"))); !errors.Is(err, unifs.ErrTraversal) {
		t.Errorf("expected copy into a dot-dot named child to fail, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "src", "..x")); !os.IsNotExist(err) {
		t.Error("expected no partial copy inside the source")
	}
	if err := p.Copy(ctx, fileLoc(filepath.Join(dir, "src")), fileLoc(filepath.Join(dir, "..sibling"))); err != nil {
		t.Fatalf("unexpected error copying to a dot-dot named sibling: %v", err)
	}

	if err := p.Move(ctx, fileLoc(filepath.Join(dir, "dst")), fileLoc(filepath.Join(dir, "moved"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "dst")); !os.IsNotExist(err) {
		t.Error("expected source to be gone after move")
	}
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		dir, target string
		want        bool
	}{
		{"/a/src", "/a/src", true},
		{"/a/src", "/a/src/sub/x", true},
		{"/a/src", "/a/src/..x", true},
		{"/a/src", "/a/src/..", false},
		{"/a/src", "/a/..src", false},
		{"/a/src", "/a/src2", false},
		{"/a/src", "/b", false},
	}
	for _, tt := range tests {
		dir, target := filepath.FromSlash(tt.dir), filepath.FromSlash(tt.target)
		if got := isWithin(dir, target); got != tt.want {
			t.Errorf("isWithin(%s, %s) = %v, want %v", tt.dir, tt.target, got, tt.want)
		}
	}
}

func TestOpenAndChecksum(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "f.txt"), "hello")
	p := New()

	rc, err := p.Open(ctx, fileLoc(filepath.Join(dir, "f.txt")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Errorf("unexpected content %q", data)
	}

	if _, err := p.Open(ctx, fileLoc(dir)); !errors.Is(err, unifs.ErrIsDir) {
		t.Errorf("expected ErrIsDir, got %v", err)
	}

	sum, err := p.Checksum(ctx, fileLoc(filepath.Join(dir, "f.txt")), unifs.ChecksumSHA256)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected checksum %s", sum)
	}
}

func TestCapabilities(t *testing.T) {
	caps := New().Capabilities(unifs.Parse("/"))
	if !caps.CanWrite || !caps.SupportsWatching || caps.RequiresExplicitRefresh {
		t.Errorf("unexpected capabilities %+v", caps)
	}
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	p := New()

	token, err := p.Watch(ctx, fileLoc(dir), "*.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeFile(t, filepath.Join(dir, "ignored.txt"), "x")
	writeFile(t, filepath.Join(dir, "config.json"), "{}")

	select {
	case <-token.(*unifs.CallbackChangeToken).Done():
	case <-time.After(5 * time.Second):
		t.Fatal("expected change token to fire")
	}
	if !token.HasChanged() {
		t.Error("expected HasChanged after firing")
	}
}
