package gdrive

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/drive/v3"
)

const rootID = "root-id"

// fakeDrive is an in-memory Drive v3 files endpoint supporting the calls and
// query forms the provider issues.
type fakeDrive struct {
	t       *testing.T
	mu      sync.Mutex
	files   map[string]*drive.File
	content map[string][]byte
	shared  map[string]bool
	nextID  int
	queries []string
	server  *httptest.Server
}

func newFakeDrive(t *testing.T) *fakeDrive {
	t.Helper()
	d := &fakeDrive{
		t:       t,
		files:   map[string]*drive.File{rootID: {Id: rootID, Name: "My Drive", MimeType: folderMimeType}},
		content: map[string][]byte{},
		shared:  map[string]bool{},
	}
	d.server = httptest.NewServer(d)
	t.Cleanup(d.server.Close)
	return d
}

func (d *fakeDrive) add(parent, name, mimeType, body string) *drive.File {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	f := &drive.File{
		Id:           fmt.Sprintf("id%d", d.nextID),
		Name:         name,
		MimeType:     mimeType,
		Size:         int64(len(body)),
		ModifiedTime: "2024-03-01T10:00:00Z",
	}
	if parent != "" {
		f.Parents = []string{parent}
	}
	d.files[f.Id] = f
	d.content[f.Id] = []byte(body)
	return f
}

func (d *fakeDrive) folder(parent, name string) *drive.File {
	return d.add(parent, name, folderMimeType, "")
}

func (d *fakeDrive) file(parent, name, body string) *drive.File {
	return d.add(parent, name, "text/plain", body)
}

func (d *fakeDrive) get(id string) *drive.File {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.files[id]
}

// nameQueries counts list calls that looked a child up by name.
func (d *fakeDrive) nameQueries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queries {
		if strings.Contains(q, "name = ") {
			n++
		}
	}
	return n
}

func (d *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := strings.Index(r.URL.Path, "/files")
	if i < 0 {
		d.fail(w, http.StatusNotFound, "unknown path "+r.URL.Path)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path[i:], "/"), "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		d.list(w, r)
	case len(parts) == 1 && r.Method == http.MethodPost:
		var f drive.File
		if !d.decode(w, r, &f) {
			return
		}
		d.nextID++
		f.Id = fmt.Sprintf("id%d", d.nextID)
		f.ModifiedTime = "2024-03-02T10:00:00Z"
		d.files[f.Id] = &f
		d.reply(w, &f)
	case len(parts) == 2 && r.Method == http.MethodGet:
		f, ok := d.lookup(w, parts[1])
		if !ok {
			return
		}
		if r.URL.Query().Get("alt") == "media" {
			w.Write(d.content[f.Id])
			return
		}
		d.reply(w, f)
	case len(parts) == 2 && r.Method == http.MethodPatch:
		f, ok := d.lookup(w, parts[1])
		if !ok {
			return
		}
		var patch drive.File
		if !d.decode(w, r, &patch) {
			return
		}
		if patch.Name != "" {
			f.Name = patch.Name
		}
		if patch.Trashed {
			f.Trashed = true
		}
		if remove := r.URL.Query().Get("removeParents"); remove != "" {
			var kept []string
			for _, p := range f.Parents {
				if !strings.Contains(","+remove+",", ","+p+",") {
					kept = append(kept, p)
				}
			}
			f.Parents = kept
		}
		if add := r.URL.Query().Get("addParents"); add != "" {
			f.Parents = append(f.Parents, add)
		}
		d.reply(w, f)
	case len(parts) == 3 && parts[2] == "copy" && r.Method == http.MethodPost:
		src, ok := d.lookup(w, parts[1])
		if !ok {
			return
		}
		var req drive.File
		if !d.decode(w, r, &req) {
			return
		}
		d.nextID++
		cp := *src
		cp.Id = fmt.Sprintf("id%d", d.nextID)
		cp.Name = req.Name
		cp.Parents = req.Parents
		d.files[cp.Id] = &cp
		d.content[cp.Id] = d.content[src.Id]
		d.reply(w, &cp)
	default:
		d.fail(w, http.StatusBadRequest, "unsupported call "+r.Method+" "+r.URL.Path)
	}
}

func (d *fakeDrive) lookup(w http.ResponseWriter, id string) (*drive.File, bool) {
	if id == "root" {
		id = rootID
	}
	f, ok := d.files[id]
	if !ok {
		d.fail(w, http.StatusNotFound, "File not found: "+id)
	}
	return f, ok
}

func (d *fakeDrive) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	d.queries = append(d.queries, q)

	var matched []*drive.File
	for _, f := range d.files {
		if f.Id != rootID && d.match(f, q) {
			matched = append(matched, f)
		}
	}
	// Stable order for paging.
	sort.Slice(matched, func(i, j int) bool { return matched[i].Id < matched[j].Id })

	start, _ := strconv.Atoi(r.URL.Query().Get("pageToken"))
	size, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if size <= 0 {
		size = 100
	}
	end := start + size
	page := &drive.FileList{}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	page.Files = matched[start:end]
	d.reply(w, page)
}

func (d *fakeDrive) match(f *drive.File, q string) bool {
	for _, cond := range strings.Split(q, " and ") {
		cond = strings.TrimSpace(cond)
		switch {
		case cond == "trashed = false":
			if f.Trashed {
				return false
			}
		case cond == "sharedWithMe = true":
			if !d.shared[f.Id] {
				return false
			}
		case cond == "starred = true":
			if !f.Starred {
				return false
			}
		case strings.HasSuffix(cond, " in parents"):
			id := unquote(strings.TrimSuffix(cond, " in parents"))
			if id == "root" {
				id = rootID
			}
			found := false
			for _, p := range f.Parents {
				found = found || p == id
			}
			if !found {
				return false
			}
		case strings.HasPrefix(cond, "name = "):
			if f.Name != unquote(strings.TrimPrefix(cond, "name = ")) {
				return false
			}
		case strings.HasPrefix(cond, "mimeType != "):
			if f.MimeType == unquote(strings.TrimPrefix(cond, "mimeType != ")) {
				return false
			}
		default:
			d.t.Errorf("unsupported query condition %q", cond)
			return false
		}
	}
	return true
}

func unquote(s string) string {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "'"), "'")
	s = strings.ReplaceAll(s, `\'`, `'`)
	return strings.ReplaceAll(s, `\\`, `\`)
}

func (d *fakeDrive) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(r.Body)
	if err == nil {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		d.fail(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (d *fakeDrive) reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (d *fakeDrive) fail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}
