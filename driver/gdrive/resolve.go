package gdrive

import (
	"context"
	"fmt"
	"strings"

	"github.com/gobeaver/unifs"
	"go.uber.org/zap"
	"google.golang.org/api/drive/v3"
)

// maxParentDepth bounds the upward walk of ResolveID.
const maxParentDepth = 64

func cacheKey(account string, segments []string) string {
	return account + "\x00" + strings.Join(segments, "/")
}

// resolve maps a non-virtual target, or My Drive itself, to its object.
// Path lookups walk one name query per uncached segment from "root".
func (p *Provider) resolve(ctx context.Context, svc *drive.Service, t target) (resolved, error) {
	switch t.kind {
	case kindID:
		f, err := svc.Files.Get(t.id).Fields("id,mimeType").SupportsAllDrives(true).Context(ctx).Do()
		if err != nil {
			return resolved{}, err
		}
		return resolved{id: f.Id, folder: f.MimeType == folderMimeType}, nil
	case kindMyDrive:
		return p.walk(ctx, svc, t.account, t.segments)
	}
	return resolved{}, fmt.Errorf("%w: virtual folder has no object", unifs.ErrNotSupported)
}

func (p *Provider) walk(ctx context.Context, svc *drive.Service, account string, segments []string) (resolved, error) {
	current := resolved{id: "root", folder: true}
	for i, name := range segments {
		key := cacheKey(account, segments[:i+1])
		if cached, ok := p.ids.Get(key); ok {
			current = cached
			continue
		}
		if !current.folder {
			return resolved{}, unifs.ErrNotDir
		}

		f, err := p.findChild(ctx, svc, current.id, name)
		if err != nil {
			return resolved{}, err
		}
		current = resolved{id: f.Id, folder: f.MimeType == folderMimeType}
		p.ids.Set(key, current)
	}
	return current, nil
}

// parentFolder resolves the folder that holds t.
func (p *Provider) parentFolder(ctx context.Context, svc *drive.Service, t target) (string, error) {
	parent, err := p.walk(ctx, svc, t.account, t.parentSegments())
	if err != nil {
		return "", err
	}
	if !parent.folder {
		return "", unifs.ErrNotDir
	}
	return parent.id, nil
}

// findChild returns the first non-trashed child of parentID called name.
// Drive allows duplicate names; the first match wins.
func (p *Provider) findChild(ctx context.Context, svc *drive.Service, parentID, name string) (*drive.File, error) {
	q := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false", escapeQuery(parentID), escapeQuery(name))
	list, err := svc.Files.List().
		Q(q).
		Fields(listFields).
		PageSize(10).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	if len(list.Files) == 0 {
		return nil, unifs.ErrNotExist
	}
	return list.Files[0], nil
}

// invalidate drops cached lookups at and below t.
func (p *Provider) invalidate(t target) {
	if t.kind == kindMyDrive && len(t.segments) > 0 {
		key := cacheKey(t.account, t.segments)
		p.ids.Delete(key)
		p.ids.DeletePrefix(key + "/")
	}
}

// rootID returns the real object ID of the account's My Drive root.
func (p *Provider) rootID(ctx context.Context, svc *drive.Service, account string) (string, error) {
	p.mu.Lock()
	id, ok := p.roots[account]
	p.mu.Unlock()
	if ok {
		return id, nil
	}

	root, err := svc.Files.Get("root").Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.roots[account] = root.Id
	p.mu.Unlock()
	return root.Id, nil
}

// ResolveID finds an address for the Drive object id, trying each connected
// account until one can see it. An object whose parent chain reaches the
// My Drive root gets a path address; anything else keeps an ID address.
func (p *Provider) ResolveID(ctx context.Context, id string) (unifs.Location, error) {
	select {
	case <-ctx.Done():
		return unifs.Location{}, ctx.Err()
	default:
	}

	accounts, err := p.secrets.GoogleAccounts()
	if err != nil {
		return unifs.Location{}, err
	}
	if len(accounts) == 0 {
		return unifs.Location{}, fmt.Errorf("%w: no Google accounts connected", unifs.ErrNoCredentials)
	}

	var lastErr error
	for _, account := range accounts {
		loc, err := p.resolveIn(ctx, account.Email, id)
		if err == nil {
			return loc, nil
		}
		p.logger.Debug("object not resolvable in account",
			zap.String("account", account.Email), zap.String("id", id), zap.Error(err))
		lastErr = err
	}
	return unifs.Location{}, mapError("resolve-id", IDLocation(accounts[len(accounts)-1].Email, id), lastErr)
}

func (p *Provider) resolveIn(ctx context.Context, account, id string) (unifs.Location, error) {
	svc, err := p.service(ctx, account)
	if err != nil {
		return unifs.Location{}, err
	}
	rootID, err := p.rootID(ctx, svc, account)
	if err != nil {
		return unifs.Location{}, err
	}

	f, err := svc.Files.Get(id).Fields("id,name,parents").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return unifs.Location{}, err
	}
	if f.Id == rootID {
		return unifs.NewLocation(Scheme, account, "/"+FolderMyDrive), nil
	}

	names := []string{f.Name}
	current := f
	for depth := 0; depth < maxParentDepth && len(current.Parents) > 0; depth++ {
		parentID := current.Parents[0]
		if parentID == rootID {
			return pathOrID(account, id, names), nil
		}
		parent, err := svc.Files.Get(parentID).Fields("id,name,parents").SupportsAllDrives(true).Context(ctx).Do()
		if err != nil {
			// The chain leaves what this account can see.
			break
		}
		if parent.Id == rootID {
			return pathOrID(account, id, names), nil
		}
		names = append(names, parent.Name)
		current = parent
	}
	return IDLocation(account, id), nil
}

// pathOrID builds a My Drive path from names ordered child first, or the ID
// address when a name cannot be a path element.
func pathOrID(account, id string, names []string) unifs.Location {
	segments := make([]string, 0, len(names)+1)
	segments = append(segments, FolderMyDrive)
	for i := len(names) - 1; i >= 0; i-- {
		if names[i] == "" || strings.Contains(names[i], "/") {
			return IDLocation(account, id)
		}
		segments = append(segments, names[i])
	}
	return unifs.NewLocation(Scheme, account, "/"+strings.Join(segments, "/"))
}
