package smb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gobeaver/unifs/driver/smb/rpc"
)

// The test binary doubles as a fake sidecar when helperModeEnv is set.
const (
	helperModeEnv = "UNIFS_SMB_TEST_SIDECAR"
	helperDirEnv  = "UNIFS_SMB_TEST_DIR"
)

func TestMain(m *testing.M) {
	switch os.Getenv(helperModeEnv) {
	case "":
		os.Exit(m.Run())
	case "serve":
		fs := newFakeShare()
		if err := rpc.Serve(context.Background(), os.Stdin, os.Stdout, fs.handle); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	case "missing-lib":
		fmt.Fprintln(os.Stderr, "unifs-smb-sidecar: error while loading shared libraries: libsmbclient.so.0: cannot open shared object file")
		os.Exit(127)
	default:
		fmt.Fprintln(os.Stderr, "fatal: sidecar failed to initialize")
		os.Exit(1)
	}
}

type fakeNode struct {
	data  []byte
	isDir bool
}

// fakeShare is an in-memory "docs" share. State lives only as long as the
// helper process.
type fakeShare struct {
	nodes map[string]*fakeNode
}

func newFakeShare() *fakeShare {
	return &fakeShare{nodes: map[string]*fakeNode{
		"/":           {isDir: true},
		"/readme.txt": {data: []byte("hello smb")},
		"/sub":        {isDir: true},
		"/.hidden":    {data: []byte("x")},
	}}
}

func (f *fakeShare) entry(p string) rpc.Entry {
	n := f.nodes[p]
	return rpc.Entry{Name: path.Base(p), Size: int64(len(n.data)), IsDir: n.isDir, Modified: time.Unix(1700000000, 0).UTC()}
}

func (f *fakeShare) handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if method == rpc.MethodPing {
		return rpc.PingResult{Version: "fake"}, nil
	}

	var p struct {
		Auth   rpc.Auth `json:"auth"`
		Share  string   `json:"share"`
		Path   string   `json:"path"`
		From   string   `json:"from"`
		To     string   `json:"to"`
		Offset int64    `json:"offset"`
		Length int      `json:"length"`
	}
	if err := rpc.Decode(params, &p); err != nil {
		return nil, err
	}
	if p.Auth.Password != "secret" {
		return nil, rpc.Errorf(rpc.CodeAuth, "logon failure for %s", p.Auth.Username)
	}
	if p.Share != "docs" {
		return nil, rpc.Errorf(rpc.CodeNotFound, "no share %s", p.Share)
	}

	if p.Path == "/hang" {
		time.Sleep(time.Hour)
	}

	if p.Path == "/flaky" {
		marker := filepath.Join(os.Getenv(helperDirEnv), "crashed-once")
		if _, err := os.Stat(marker); err != nil {
			_ = os.WriteFile(marker, nil, 0600)
			os.Exit(3)
		}
		return rpc.Entry{Name: "flaky", Size: 1}, nil
	}

	switch method {
	case rpc.MethodListDirectory:
		if n := f.nodes[p.Path]; n == nil || !n.isDir {
			return nil, rpc.Errorf(rpc.CodeNotFound, "%s", p.Path)
		}
		var out []rpc.Entry
		for name := range f.nodes {
			if name != "/" && path.Dir(name) == p.Path {
				out = append(out, f.entry(name))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil

	case rpc.MethodStat:
		if f.nodes[p.Path] == nil {
			return nil, rpc.Errorf(rpc.CodeNotFound, "%s", p.Path)
		}
		return f.entry(p.Path), nil

	case rpc.MethodCreateDirectory:
		if f.nodes[p.Path] != nil {
			return nil, rpc.Errorf(rpc.CodeExists, "%s", p.Path)
		}
		f.nodes[p.Path] = &fakeNode{isDir: true}
		return nil, nil

	case rpc.MethodDelete:
		if f.nodes[p.Path] == nil {
			return nil, rpc.Errorf(rpc.CodeNotFound, "%s", p.Path)
		}
		for name := range f.nodes {
			if name == p.Path || strings.HasPrefix(name, p.Path+"/") {
				delete(f.nodes, name)
			}
		}
		return nil, nil

	case rpc.MethodRename, rpc.MethodCopy:
		src := f.nodes[p.From]
		if src == nil {
			return nil, rpc.Errorf(rpc.CodeNotFound, "%s", p.From)
		}
		if f.nodes[p.To] != nil {
			return nil, rpc.Errorf(rpc.CodeExists, "%s", p.To)
		}
		f.nodes[p.To] = &fakeNode{data: append([]byte(nil), src.data...), isDir: src.isDir}
		if method == rpc.MethodRename {
			delete(f.nodes, p.From)
		}
		return nil, nil

	case rpc.MethodReadFile:
		n := f.nodes[p.Path]
		if n == nil {
			return nil, rpc.Errorf(rpc.CodeNotFound, "%s", p.Path)
		}
		if p.Offset >= int64(len(n.data)) {
			return rpc.ReadResult{EOF: true}, nil
		}
		end := p.Offset + int64(p.Length)
		if end > int64(len(n.data)) {
			end = int64(len(n.data))
		}
		return rpc.ReadResult{Data: n.data[p.Offset:end], EOF: end == int64(len(n.data))}, nil
	}

	return nil, rpc.Errorf(rpc.CodeMethodMissing, "unknown method %q", method)
}

// helperSidecar returns a sidecar that re-executes the test binary in mode.
func helperSidecar(t *testing.T, mode string, maxRestarts int) *Sidecar {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	grace := 100 * time.Millisecond
	if mode != "serve" {
		grace = 5 * time.Second
	}

	s := NewSidecar(SidecarConfig{
		Path:        exe,
		MaxRestarts: maxRestarts,
		StartGrace:  grace,
		Env:         []string{helperModeEnv + "=" + mode, helperDirEnv + "=" + t.TempDir()},
	}, nil)
	t.Cleanup(func() { s.Close() })
	return s
}
