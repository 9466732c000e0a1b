package unifs

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		raw       string
		scheme    string
		authority string
		path      string
		query     string
		want      string
	}{
		{"file:///tmp/a.zip", "file", "", "/tmp/a.zip", "", "file:///tmp/a.zip"},
		{"SFTP://user@Host:2222/home/u/", "sftp", "user@Host:2222", "/home/u", "", "sftp://user@Host:2222/home/u"},
		{"smb://nas", "smb", "nas", "/", "", "smb://nas/"},
		{"smb://nas//share///dir/", "smb", "nas", "//share/dir", "", "smb://nas//share/dir"},
		{"/var/log", "file", "", "/var/log", "", "file:///var/log"},
		{"relative/dir", "file", "", "/relative/dir", "", "file:///relative/dir"},
		{"archive:///?src=file:///tmp/a.zip&path=/", "archive", "", "/", "src=file:///tmp/a.zip&path=/", "archive:///?src=file:///tmp/a.zip&path=/"},
		{"file:///what?.txt", "file", "", "/what?.txt", "", "file:///what?.txt"},
		{"gdrive://me@example.com/My Drive/Docs", "gdrive", "me@example.com", "/My Drive/Docs", "", "gdrive://me@example.com/My Drive/Docs"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			loc := Parse(tt.raw)
			if loc.Scheme() != tt.scheme {
				t.Errorf("scheme: expected %q, got %q", tt.scheme, loc.Scheme())
			}
			if loc.Authority() != tt.authority {
				t.Errorf("authority: expected %q, got %q", tt.authority, loc.Authority())
			}
			if loc.Path() != tt.path {
				t.Errorf("path: expected %q, got %q", tt.path, loc.Path())
			}
			if loc.Query() != tt.query {
				t.Errorf("query: expected %q, got %q", tt.query, loc.Query())
			}
			if loc.String() != tt.want {
				t.Errorf("string: expected %q, got %q", tt.want, loc.String())
			}
		})
	}
}

func TestParseDegradesToRoot(t *testing.T) {
	for _, raw := range []string{"", "   ", "://host/x", "1abc://host/x", "ht tp://x/y", "file:///a\x00b"} {
		t.Run(raw, func(t *testing.T) {
			loc := Parse(raw)
			if loc.String() != "file:///" {
				t.Errorf("expected file:/// for %q, got %q", raw, loc.String())
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	inputs := []string{
		"file:///",
		"file:///home/user/docs",
		"sftp://example.com:22/srv/data",
		"sftp://deploy@example.com/",
		"smb://nas/share/folder",
		"smb://nas//server-sentinel/x",
		"gdrive://a@b.c/id/1AbC",
		"archive:///?path=%2Fdocs&src=file%3A%2F%2F%2Ftmp%2Fa.zip",
	}
	for _, raw := range inputs {
		loc := Parse(raw)
		if got := Parse(loc.String()); got != loc {
			t.Errorf("round trip of %q changed: %#v -> %#v", raw, loc, got)
		}
		if loc.String() != raw {
			t.Errorf("expected canonical %q, got %q", raw, loc.String())
		}
	}
}

func TestLocationRoundTripsReservedNames(t *testing.T) {
	tests := []struct {
		name string
		loc  Location
		want string
	}{
		{"question mark in sftp name", NewLocation("sftp", "example.com", "/dir/what?.txt"), "sftp://example.com/dir/what%3F.txt"},
		{"question mark in smb name", NewLocation("smb", "nas", "/share/a?b"), "smb://nas/share/a%3Fb"},
		{"percent in name", NewLocation("sftp", "example.com", "/100%/a%3Fb"), "sftp://example.com/100%25/a%253Fb"},
		{"my drive name", NewLocation("gdrive", "me@example.com", "/My Drive/why?"), "gdrive://me@example.com/My Drive/why%3F"},
		{"trailing space", NewLocation("file", "", "/dir/trailing "), "file:///dir/trailing "},
		{"trailing space remote", NewLocation("sftp", "example.com", "/dir/x "), "sftp://example.com/dir/x "},
		{"file keeps literal marks", NewLocation("file", "", "/a?b%3F"), "file:///a?b%3F"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.loc.String(); got != tt.want {
				t.Errorf("string: expected %q, got %q", tt.want, got)
			}
			back := Parse(tt.loc.String())
			if back != tt.loc {
				t.Errorf("round trip changed: %#v -> %#v", tt.loc, back)
			}
			if back.Name() != tt.loc.Name() {
				t.Errorf("name: expected %q, got %q", tt.loc.Name(), back.Name())
			}
		})
	}

	t.Run("query still splits", func(t *testing.T) {
		loc := Parse("sftp://example.com/a%3Fb?x=1")
		if loc.Path() != "/a?b" || loc.Query() != "x=1" {
			t.Errorf("unexpected path %q and query %q", loc.Path(), loc.Query())
		}
	})

	t.Run("leading space ignored", func(t *testing.T) {
		if got := Parse("  /var/log").String(); got != "file:///var/log" {
			t.Errorf("expected file:///var/log, got %q", got)
		}
	})
}

func TestLocationNavigation(t *testing.T) {
	loc := Parse("sftp://bob@host:2022/a/b/c.txt")

	if loc.Name() != "c.txt" {
		t.Errorf("expected name c.txt, got %q", loc.Name())
	}
	if got := loc.Parent().String(); got != "sftp://bob@host:2022/a/b" {
		t.Errorf("unexpected parent %q", got)
	}
	if got := loc.Parent().Parent().Parent(); !got.IsRoot() {
		t.Errorf("expected root, got %q", got.String())
	}
	if got := loc.Parent().Join("d", "e/").String(); got != "sftp://bob@host:2022/a/b/d/e" {
		t.Errorf("unexpected join %q", got)
	}
	if loc.User() != "bob" || loc.Host() != "host" || loc.Port() != 2022 {
		t.Errorf("unexpected authority parts %q %q %d", loc.User(), loc.Host(), loc.Port())
	}

	plain := Parse("sftp://example.org/x")
	if plain.Port() != 0 || plain.Host() != "example.org" || plain.User() != "" {
		t.Errorf("unexpected authority parts for %q", plain.String())
	}

	v6 := Parse("sftp://[::1]:2222/x")
	if v6.Host() != "::1" || v6.Port() != 2222 {
		t.Errorf("unexpected ipv6 parts %q %d", v6.Host(), v6.Port())
	}
}

func TestNewLocation(t *testing.T) {
	loc := NewLocation("SMB", "nas", "share//x/")
	if loc.String() != "smb://nas/share/x" {
		t.Errorf("unexpected location %q", loc.String())
	}
	if NewLocation("", "x", "/y").String() != "file:///" {
		t.Error("expected invalid scheme to degrade to root")
	}
}
