package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/unifs"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	appsMimePrefix = "application/vnd.google-apps."

	fileFields googleapi.Field = "id,name,mimeType,size,modifiedTime,parents,starred," +
		"thumbnailLink,webContentLink,imageMediaMetadata(width,height)"
	listFields googleapi.Field = "nextPageToken,files(" + fileFields + ")"
)

// ServiceFactory creates the Drive client for one account.
type ServiceFactory func(ctx context.Context, account *unifs.GoogleAccount) (*drive.Service, error)

// TokenServiceFactory authenticates with the account's bearer token. A
// non-empty endpoint replaces the public API base URL.
func TokenServiceFactory(endpoint string) ServiceFactory {
	return func(ctx context.Context, account *unifs.GoogleAccount) (*drive.Service, error) {
		opts := []option.ClientOption{
			option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
				AccessToken: account.AccessToken,
				TokenType:   "Bearer",
			})),
		}
		if endpoint != "" {
			opts = append(opts, option.WithEndpoint(endpoint))
		}
		return drive.NewService(ctx, opts...)
	}
}

// Provider serves gdrive://<email>/... locations.
//
// The root of each account holds four virtual folders. Items below My Drive
// are addressed by path; items reached through the other folders, or whose
// names cannot be expressed as a path element, are addressed by object ID.
type Provider struct {
	secrets    unifs.SecretStore
	newService ServiceFactory
	ids        *unifs.MemoryCache[resolved]
	pageSize   int64
	recent     int
	logger     *zap.Logger

	mu       sync.Mutex
	services map[string]*drive.Service
	roots    map[string]string
}

var (
	_ unifs.Provider = (*Provider)(nil)
	_ unifs.CanOpen  = (*Provider)(nil)
)

// resolved is a cached path-to-ID lookup.
type resolved struct {
	id     string
	folder bool
}

// Option configures a Provider
type Option func(*Provider)

// WithLogger sets the provider's logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

// WithServiceFactory replaces how Drive clients are built
func WithServiceFactory(f ServiceFactory) Option {
	return func(p *Provider) {
		p.newService = f
	}
}

// WithPageSize sets the page size of list calls
func WithPageSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.pageSize = int64(n)
		}
	}
}

// WithIDCacheTTL sets how long path-to-ID lookups are remembered
func WithIDCacheTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		p.ids = unifs.NewMemoryCache[resolved](ttl)
	}
}

// New creates a Drive provider resolving accounts from secrets.
func New(secrets unifs.SecretStore, options ...Option) *Provider {
	p := &Provider{
		secrets:    secrets,
		newService: TokenServiceFactory(""),
		pageSize:   200,
		recent:     50,
		logger:     zap.NewNop(),
		services:   make(map[string]*drive.Service),
		roots:      make(map[string]string),
	}
	for _, option := range options {
		option(p)
	}
	if p.ids == nil {
		p.ids = unifs.NewMemoryCache[resolved](5 * time.Minute)
	}
	return p
}

func (p *Provider) Scheme() string { return Scheme }

// Forget drops the client and cached lookups of account, so the next call
// picks up a refreshed token.
func (p *Provider) Forget(account string) {
	p.mu.Lock()
	delete(p.services, account)
	delete(p.roots, account)
	p.mu.Unlock()
	p.ids.DeletePrefix(account + "\x00")
}

func (p *Provider) service(ctx context.Context, account string) (*drive.Service, error) {
	p.mu.Lock()
	svc, ok := p.services[account]
	p.mu.Unlock()
	if ok {
		return svc, nil
	}

	acct, err := p.secrets.GoogleAccount(account)
	if err != nil {
		return nil, err
	}
	svc, err = p.newService(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("%w: create drive client: %v", unifs.ErrTransport, err)
	}

	p.mu.Lock()
	if existing, ok := p.services[account]; ok {
		svc = existing
	} else {
		p.services[account] = svc
	}
	p.mu.Unlock()
	return svc, nil
}

// ============================================================================
// Listing
// ============================================================================

// ReadDirectory implements unifs.Provider
func (p *Provider) ReadDirectory(ctx context.Context, loc unifs.Location) ([]unifs.FileItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	t, err := parseTarget(loc)
	if err != nil {
		return nil, unifs.NewPathError("readdir", loc, err)
	}

	if t.kind == kindRoot {
		items := make([]unifs.FileItem, 0, len(virtualFolders))
		for _, name := range virtualFolders {
			items = append(items, unifs.NewFileItem(loc.Join(name), 0, time.Time{}, true))
		}
		return items, nil
	}

	svc, err := p.service(ctx, t.account)
	if err != nil {
		return nil, unifs.NewPathError("readdir", loc, err)
	}

	var files []*drive.File
	byPath := false
	switch t.kind {
	case kindShared:
		files, err = p.list(ctx, svc, "sharedWithMe = true and trashed = false", "", 0)
	case kindStarred:
		files, err = p.list(ctx, svc, "starred = true and trashed = false", "", 0)
	case kindRecent:
		q := fmt.Sprintf("mimeType != '%s' and trashed = false", folderMimeType)
		files, err = p.list(ctx, svc, q, "viewedByMeTime desc", p.recent)
	default:
		var r resolved
		if r, err = p.resolve(ctx, svc, t); err != nil {
			break
		}
		if !r.folder {
			return nil, unifs.NewPathError("readdir", loc, unifs.ErrNotDir)
		}
		byPath = t.kind == kindMyDrive
		q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(r.id))
		files, err = p.list(ctx, svc, q, "", 0)
	}
	if err != nil {
		return nil, mapError("readdir", loc, err)
	}

	items := make([]unifs.FileItem, 0, len(files))
	for _, f := range files {
		items = append(items, itemFor(p.childLocation(loc, t, f, byPath), f))
		if byPath && !strings.Contains(f.Name, "/") {
			p.ids.Set(cacheKey(t.account, append(t.segments[:len(t.segments):len(t.segments)], f.Name)),
				resolved{id: f.Id, folder: f.MimeType == folderMimeType})
		}
	}
	unifs.SortItems(items)
	return items, nil
}

// childLocation addresses f by path below My Drive when its name allows,
// and by ID otherwise.
func (p *Provider) childLocation(parent unifs.Location, t target, f *drive.File, byPath bool) unifs.Location {
	if byPath && f.Name != "" && !strings.Contains(f.Name, "/") {
		return parent.Join(f.Name)
	}
	return IDLocation(t.account, f.Id)
}

var errStopPaging = errors.New("stop paging")

// list runs a files.list query across pages. A positive limit stops after
// that many files.
func (p *Provider) list(ctx context.Context, svc *drive.Service, q, orderBy string, limit int) ([]*drive.File, error) {
	call := svc.Files.List().
		Q(q).
		Fields(listFields).
		PageSize(p.pageSize).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true)
	if orderBy != "" {
		call = call.OrderBy(orderBy)
	}

	var out []*drive.File
	err := call.Pages(ctx, func(page *drive.FileList) error {
		out = append(out, page.Files...)
		if limit > 0 && len(out) >= limit {
			return errStopPaging
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopPaging) {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func itemFor(loc unifs.Location, f *drive.File) unifs.FileItem {
	isDir := f.MimeType == folderMimeType
	mod, _ := time.Parse(time.RFC3339, f.ModifiedTime)

	item := unifs.NewFileItem(loc, f.Size, mod, isDir)
	item.Name = f.Name
	item.IsHidden = strings.HasPrefix(f.Name, ".")
	item.Extension = ""
	if !isDir {
		item.Extension = unifs.Extension(f.Name)
	} else {
		item.Size = 0
	}
	item.RemoteID = f.Id
	item.ThumbnailURL = f.ThumbnailLink
	item.DownloadURL = f.WebContentLink
	if m := f.ImageMediaMetadata; m != nil && m.Width > 0 {
		w, h := int(m.Width), int(m.Height)
		item.ImageWidth, item.ImageHeight = &w, &h
	}
	return item
}

// GetFileMetadata implements unifs.Provider
func (p *Provider) GetFileMetadata(ctx context.Context, loc unifs.Location) (*unifs.FileItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	t, err := parseTarget(loc)
	if err != nil {
		return nil, unifs.NewPathError("stat", loc, err)
	}
	if t.virtual() {
		item := unifs.NewFileItem(loc, 0, time.Time{}, true)
		if t.kind == kindRoot {
			item.Name = t.account
		}
		return &item, nil
	}

	svc, err := p.service(ctx, t.account)
	if err != nil {
		return nil, unifs.NewPathError("stat", loc, err)
	}
	r, err := p.resolve(ctx, svc, t)
	if err != nil {
		return nil, mapError("stat", loc, err)
	}
	f, err := svc.Files.Get(r.id).Fields(fileFields).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return nil, mapError("stat", loc, err)
	}

	item := itemFor(loc, f)
	return &item, nil
}

// ============================================================================
// Mutations
// ============================================================================

// CreateDirectory implements unifs.Provider. Only paths below My Drive can
// be created.
func (p *Provider) CreateDirectory(ctx context.Context, loc unifs.Location) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t, err := parseTarget(loc)
	if err != nil {
		return unifs.NewPathError("mkdir", loc, err)
	}
	if t.kind != kindMyDrive || len(t.segments) == 0 {
		return unifs.NewPathError("mkdir", loc, unifs.ErrPermission)
	}

	svc, err := p.service(ctx, t.account)
	if err != nil {
		return unifs.NewPathError("mkdir", loc, err)
	}
	parentID, err := p.parentFolder(ctx, svc, t)
	if err != nil {
		return mapError("mkdir", loc, err)
	}
	if _, err := p.findChild(ctx, svc, parentID, t.name()); err == nil {
		return unifs.NewPathError("mkdir", loc, unifs.ErrExist)
	} else if !errors.Is(err, unifs.ErrNotExist) {
		return mapError("mkdir", loc, err)
	}

	created, err := svc.Files.Create(&drive.File{
		Name:     t.name(),
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return mapError("mkdir", loc, err)
	}

	p.ids.Set(cacheKey(t.account, t.segments), resolved{id: created.Id, folder: true})
	p.logger.Debug("created folder", zap.String("account", t.account), zap.String("id", created.Id))
	return nil
}

// Delete implements unifs.Provider. Objects are moved to the trash.
func (p *Provider) Delete(ctx context.Context, loc unifs.Location) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t, err := parseTarget(loc)
	if err != nil {
		return unifs.NewPathError("delete", loc, err)
	}
	if t.virtual() {
		return unifs.NewPathError("delete", loc, unifs.ErrPermission)
	}

	svc, err := p.service(ctx, t.account)
	if err != nil {
		return unifs.NewPathError("delete", loc, err)
	}
	r, err := p.resolve(ctx, svc, t)
	if err != nil {
		return mapError("delete", loc, err)
	}
	if _, err := svc.Files.Update(r.id, &drive.File{Trashed: true}).
		Fields("id").SupportsAllDrives(true).Context(ctx).Do(); err != nil {
		return mapError("delete", loc, err)
	}

	p.invalidate(t)
	return nil
}

// Rename implements unifs.Provider. The destination must be a path below
// My Drive in the same account; a different parent moves the object.
func (p *Provider) Rename(ctx context.Context, from, to unifs.Location) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	svc, src, dst, srcID, parentID, err := p.prepareTransfer(ctx, "rename", from, to)
	if err != nil {
		return err
	}

	current, err := svc.Files.Get(srcID).Fields("id,parents").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return mapError("rename", from, err)
	}

	call := svc.Files.Update(srcID, &drive.File{Name: dst.name()}).Fields("id").SupportsAllDrives(true)
	if !contains(current.Parents, parentID) {
		call = call.AddParents(parentID)
		if len(current.Parents) > 0 {
			call = call.RemoveParents(strings.Join(current.Parents, ","))
		}
	}
	if _, err := call.Context(ctx).Do(); err != nil {
		return mapError("rename", from, err)
	}

	p.invalidate(src)
	return nil
}

// Copy implements unifs.Provider. Drive cannot copy folders.
func (p *Provider) Copy(ctx context.Context, from, to unifs.Location) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	svc, _, dst, srcID, parentID, err := p.prepareTransfer(ctx, "copy", from, to)
	if err != nil {
		return err
	}

	src, err := svc.Files.Get(srcID).Fields("id,mimeType").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return mapError("copy", from, err)
	}
	if src.MimeType == folderMimeType {
		return unifs.NewPathError("copy", from, fmt.Errorf("%w: folders cannot be copied", unifs.ErrNotSupported))
	}

	if _, err := svc.Files.Copy(srcID, &drive.File{
		Name:    dst.name(),
		Parents: []string{parentID},
	}).Fields("id").SupportsAllDrives(true).Context(ctx).Do(); err != nil {
		return mapError("copy", to, err)
	}
	return nil
}

// Move implements unifs.Provider
func (p *Provider) Move(ctx context.Context, from, to unifs.Location) error {
	return p.Rename(ctx, from, to)
}

// prepareTransfer validates a rename or copy and resolves the source ID and
// the destination's parent folder.
func (p *Provider) prepareTransfer(ctx context.Context, op string, from, to unifs.Location) (svc *drive.Service, src, dst target, srcID, parentID string, err error) {
	if src, err = parseTarget(from); err != nil {
		return nil, src, dst, "", "", unifs.NewPathError(op, from, err)
	}
	if dst, err = parseTarget(to); err != nil {
		return nil, src, dst, "", "", unifs.NewPathError(op, to, err)
	}
	if src.account != dst.account {
		return nil, src, dst, "", "", unifs.NewPathError(op, to, fmt.Errorf("%w: across accounts", unifs.ErrNotSupported))
	}
	if src.virtual() {
		return nil, src, dst, "", "", unifs.NewPathError(op, from, unifs.ErrPermission)
	}
	if dst.kind != kindMyDrive || len(dst.segments) == 0 {
		return nil, src, dst, "", "", unifs.NewPathError(op, to, fmt.Errorf("%w: destination must be a path below %s", unifs.ErrNotSupported, FolderMyDrive))
	}

	if svc, err = p.service(ctx, src.account); err != nil {
		return nil, src, dst, "", "", unifs.NewPathError(op, from, err)
	}
	r, err := p.resolve(ctx, svc, src)
	if err != nil {
		return nil, src, dst, "", "", mapError(op, from, err)
	}
	if parentID, err = p.parentFolder(ctx, svc, dst); err != nil {
		return nil, src, dst, "", "", mapError(op, to, err)
	}
	if existing, err := p.findChild(ctx, svc, parentID, dst.name()); err == nil && existing.Id != r.id {
		return nil, src, dst, "", "", unifs.NewPathError(op, to, unifs.ErrExist)
	} else if err != nil && !errors.Is(err, unifs.ErrNotExist) {
		return nil, src, dst, "", "", mapError(op, to, err)
	}
	return svc, src, dst, r.id, parentID, nil
}

// Capabilities implements unifs.Provider
func (p *Provider) Capabilities(loc unifs.Location) unifs.Capabilities {
	t, err := parseTarget(loc)
	if err != nil || (t.virtual() && t.kind != kindMyDrive) {
		return unifs.ReadOnlyCapabilities(Scheme, "Google Drive")
	}

	caps := unifs.ReadWriteCapabilities(Scheme, "Google Drive")
	caps.RequiresExplicitRefresh = true
	switch {
	case t.kind == kindID:
		caps.CanCreate = false
	case len(t.segments) == 0:
		caps.CanDelete, caps.CanRename, caps.CanMove, caps.CanCopy = false, false, false, false
	}
	return caps
}

// Open implements unifs.CanOpen. Native Google documents have no binary
// content and are reported as unsupported.
func (p *Provider) Open(ctx context.Context, loc unifs.Location) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	t, err := parseTarget(loc)
	if err != nil {
		return nil, unifs.NewPathError("open", loc, err)
	}
	if t.virtual() {
		return nil, unifs.NewPathError("open", loc, unifs.ErrIsDir)
	}

	svc, err := p.service(ctx, t.account)
	if err != nil {
		return nil, unifs.NewPathError("open", loc, err)
	}
	r, err := p.resolve(ctx, svc, t)
	if err != nil {
		return nil, mapError("open", loc, err)
	}
	f, err := svc.Files.Get(r.id).Fields("id,mimeType").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return nil, mapError("open", loc, err)
	}
	switch {
	case f.MimeType == folderMimeType:
		return nil, unifs.NewPathError("open", loc, unifs.ErrIsDir)
	case strings.HasPrefix(f.MimeType, appsMimePrefix):
		return nil, unifs.NewPathError("open", loc, fmt.Errorf("%w: %s must be exported", unifs.ErrNotSupported, f.MimeType))
	}

	resp, err := svc.Files.Get(r.id).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, mapError("open", loc, err)
	}
	return resp.Body, nil
}

// ============================================================================
// Helpers
// ============================================================================

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// mapError translates Drive API errors to unifs errors
func mapError(op string, loc unifs.Location, err error) error {
	var pathErr *unifs.PathError
	if errors.As(err, &pathErr) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			err = unifs.ErrNotExist
		case http.StatusUnauthorized:
			err = fmt.Errorf("%w: %s", unifs.ErrAuthFailed, apiErr.Message)
		case http.StatusForbidden:
			err = fmt.Errorf("%w: %s", unifs.ErrPermission, apiErr.Message)
		case http.StatusConflict:
			err = unifs.ErrExist
		default:
			err = fmt.Errorf("%w: drive api %d: %s", unifs.ErrTransport, apiErr.Code, apiErr.Message)
		}
	}
	return unifs.NewPathError(op, loc, err)
}
