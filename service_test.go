package unifs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	RegisterProvider("stubsvc", func(env *Environment) (Provider, error) {
		return &stubProvider{scheme: "stubsvc"}, nil
	})

	t.Run("builds enabled providers", func(t *testing.T) {
		reg, err := New(DefaultConfig(), nil)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer reg.Close()

		if _, err := reg.Lookup("stubsvc"); err != nil {
			t.Errorf("expected stub provider to be registered: %v", err)
		}
	})

	t.Run("skips disabled schemes", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DisabledSchemes = "stubsvc"
		reg, err := New(cfg, nil)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if _, err := reg.Lookup("stubsvc"); !errors.Is(err, ErrNoProvider) {
			t.Errorf("expected disabled scheme to be absent, got %v", err)
		}
	})

	t.Run("loads credentials file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "credentials.yaml")
		data := "google:\n  - email: me@example.com\n    access_token: tok\n"
		if err := os.WriteFile(path, []byte(data), 0600); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var seen SecretStore
		RegisterProvider("stubsecrets", func(env *Environment) (Provider, error) {
			seen = env.Secrets
			return &stubProvider{scheme: "stubsecrets"}, nil
		})

		cfg := DefaultConfig()
		cfg.CredentialsFile = path
		if _, err := New(cfg, nil); err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if seen == nil {
			t.Fatal("expected factory to receive a secret store")
		}
		if _, err := seen.GoogleAccount("me@example.com"); err != nil {
			t.Errorf("expected account from credentials file: %v", err)
		}
	})

	t.Run("missing credentials file", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.CredentialsFile = filepath.Join(t.TempDir(), "missing.yaml")
		if _, err := New(cfg, nil); err == nil {
			t.Error("expected error for missing credentials file")
		}
	})
}

func TestGlobalInstance(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	reg1, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	reg2, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if reg1 != reg2 {
		t.Error("Default() returned different registries")
	}

	stub := &stubProvider{scheme: "stubglobal"}
	reg1.Register(stub)

	Reset()
	if !stub.closed {
		t.Error("expected Reset to close registered providers")
	}

	reg3, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if reg3 == reg1 {
		t.Error("expected a fresh registry after Reset")
	}
}
