// Package unifs provides one directory and file contract over several
// backends, addressed by location URLs.
//
// A [Location] is scheme://authority/path, optionally followed by a query.
// Bare paths are local. Each scheme is served by a [Provider]; the
// [Registry] maps schemes to providers and is what applications talk to.
//
// # Backends
//
// Driver packages register a factory from init, so importing them is enough:
//
//   - Local disk, file:// (github.com/gobeaver/unifs/driver/local)
//   - SFTP with pooled sessions, sftp:// (github.com/gobeaver/unifs/driver/sftp)
//   - SMB through a sidecar process, smb:// (github.com/gobeaver/unifs/driver/smb)
//   - Read-only archives, nested to any depth, archive:// (github.com/gobeaver/unifs/driver/archive)
//   - Google Drive with virtual folders, gdrive:// (github.com/gobeaver/unifs/driver/gdrive)
//
// # Basic Usage
//
//	import (
//	    "github.com/gobeaver/unifs"
//	    _ "github.com/gobeaver/unifs/driver/local"
//	    _ "github.com/gobeaver/unifs/driver/sftp"
//	)
//
//	registry, err := unifs.New(cfg, secrets)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer registry.Close()
//
//	p, loc, err := registry.Resolve("sftp://me@host/srv/data")
//	items, err := p.ReadDirectory(ctx, loc)
//
// Configuration comes from UNIFS_* environment variables ([GetConfig]).
// Credentials come from a [SecretStore]; [LoadSecretsFile] reads the YAML
// form.
//
// # Optional Capabilities
//
// Providers may implement optional interfaces. Use type assertions to check
// for support:
//
//	if opener, ok := p.(unifs.CanOpen); ok {
//	    rc, err := opener.Open(ctx, loc)
//	}
//
//	if watcher, ok := p.(unifs.CanWatch); ok {
//	    token, err := watcher.Watch(ctx, loc, "*.json")
//	}
//
// [Provider.Capabilities] describes what a location allows, so callers can
// disable actions up front instead of attempting them.
//
// # Errors
//
// Provider errors are [*PathError] values wrapping one of the package's
// sentinel errors. Test them with [errors.Is] or the helpers such as
// [IsNotExist], [IsNoCredentials] and [IsRetryable].
package unifs
