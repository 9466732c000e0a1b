package local

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/gobeaver/unifs"
	"go.uber.org/zap"
)

// Watch implements unifs.CanWatch using fsnotify.
//
// The filter is a glob matched against the slash-separated path relative to
// loc. Patterns containing "**" watch subdirectories too. The token fires
// on the first matching event; the watcher stops then or when ctx ends.
func (p *Provider) Watch(ctx context.Context, loc unifs.Location, filter string) (unifs.ChangeToken, error) {
	root, err := p.resolve(loc)
	if err != nil {
		return nil, unifs.NewPathError("watch", loc, err)
	}

	var matcher glob.Glob
	if filter != "" {
		matcher, err = glob.Compile(filter, '/')
		if err != nil {
			return nil, unifs.NewPathError("watch", loc, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, unifs.NewPathError("watch", loc, err)
	}

	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, mapError("watch", loc, err)
	}

	if strings.Contains(filter, "**") {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() && path != root {
				_ = watcher.Add(path)
			}
			return nil
		})
	}

	token := unifs.NewCallbackChangeToken()

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				rel, err := filepath.Rel(root, event.Name)
				if err != nil {
					continue
				}
				rel = filepath.ToSlash(rel)
				if matcher == nil || matcher.Match(rel) || matcher.Match(filepath.Base(rel)) {
					token.SignalChange()
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("watch error", zap.String("path", root), zap.Error(err))
			}
		}
	}()

	return token, nil
}
