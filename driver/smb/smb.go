package smb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gobeaver/unifs"
	"github.com/gobeaver/unifs/driver/smb/rpc"
	"go.uber.org/zap"
)

// Scheme is the address scheme served by this package.
const Scheme = "smb"

// readChunk is the size of one read_file call.
const readChunk = 1 << 20

// Provider serves smb://host/share/path locations through the sidecar.
// smb://host/ lists the server's disk shares.
type Provider struct {
	sidecar *Sidecar
	secrets unifs.SecretStore
	shares  ShareLister
	logger  *zap.Logger
}

var (
	_ unifs.Provider = (*Provider)(nil)
	_ unifs.CanOpen  = (*Provider)(nil)
)

// Option configures a Provider
type Option func(*Provider)

// WithLogger sets the provider's logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

// WithShareLister replaces the smbclient-based share enumeration
func WithShareLister(l ShareLister) Option {
	return func(p *Provider) {
		p.shares = l
	}
}

// New creates an SMB provider talking to sidecar.
func New(sidecar *Sidecar, secrets unifs.SecretStore, options ...Option) *Provider {
	p := &Provider{
		sidecar: sidecar,
		secrets: secrets,
		logger:  zap.NewNop(),
	}
	for _, option := range options {
		option(p)
	}
	if p.shares == nil {
		p.shares = NewSMBClient("", 0)
	}
	return p
}

func (p *Provider) Scheme() string { return Scheme }

// Sidecar exposes the process supervisor, e.g. to Reset it.
func (p *Provider) Sidecar() *Sidecar { return p.sidecar }

// Close stops the sidecar.
func (p *Provider) Close() error {
	return p.sidecar.Close()
}

// target is a location split into share and in-share path.
type target struct {
	host  string
	share string
	path  string
}

func splitLocation(loc unifs.Location) (target, error) {
	if loc.Scheme() != Scheme || loc.Host() == "" {
		return target{}, unifs.ErrInvalidAddress
	}
	rest := strings.TrimPrefix(loc.Path(), "/")
	share, inner, _ := strings.Cut(rest, "/")
	return target{host: loc.Host(), share: share, path: "/" + inner}, nil
}

func (t target) isServerRoot() bool { return t.share == "" }
func (t target) isShareRoot() bool  { return t.share != "" && t.path == "/" }

func (p *Provider) auth(host string) (rpc.Auth, *unifs.SMBCredentials, error) {
	creds, err := p.secrets.SMBCredentials(host)
	if err != nil {
		return rpc.Auth{}, nil, err
	}
	return rpc.Auth{
		Host:     host,
		Username: creds.Username,
		Password: creds.Password,
		Domain:   creds.Domain,
	}, creds, nil
}

// call performs one sidecar request, retrying once when the sidecar was
// lost mid-call.
func (p *Provider) call(ctx context.Context, op string, loc unifs.Location, method string, params, result any) error {
	err := p.sidecar.Call(ctx, method, params, result)
	if errors.Is(err, unifs.ErrConnectionLost) {
		p.logger.Info("retrying after sidecar loss", zap.String("op", op), zap.String("method", method))
		err = p.sidecar.Call(ctx, method, params, result)
	}
	if err != nil {
		return mapRPCError(op, loc, err)
	}
	return nil
}

// ReadDirectory implements unifs.Provider
func (p *Provider) ReadDirectory(ctx context.Context, loc unifs.Location) ([]unifs.FileItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	t, err := splitLocation(loc)
	if err != nil {
		return nil, unifs.NewPathError("readdir", loc, err)
	}
	a, creds, err := p.auth(t.host)
	if err != nil {
		return nil, unifs.NewPathError("readdir", loc, err)
	}

	if t.isServerRoot() {
		return p.listShares(ctx, loc, creds)
	}

	var entries []rpc.Entry
	err = p.call(ctx, "readdir", loc, rpc.MethodListDirectory, rpc.PathParams{Auth: a, Share: t.share, Path: t.path}, &entries)
	if err != nil {
		return nil, err
	}

	items := make([]unifs.FileItem, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		items = append(items, itemFor(loc.Join(e.Name), e))
	}
	unifs.SortItems(items)
	return items, nil
}

func (p *Provider) listShares(ctx context.Context, loc unifs.Location, creds *unifs.SMBCredentials) ([]unifs.FileItem, error) {
	shares, err := p.shares.ListShares(ctx, creds)
	if err != nil {
		return nil, unifs.NewPathError("readdir", loc, err)
	}

	items := make([]unifs.FileItem, 0, len(shares))
	for _, s := range shares {
		item := unifs.NewFileItem(loc.Join(s.Name), 0, time.Time{}, true)
		items = append(items, item)
	}
	unifs.SortItems(items)
	return items, nil
}

func itemFor(loc unifs.Location, e rpc.Entry) unifs.FileItem {
	item := unifs.NewFileItem(loc, e.Size, e.Modified, e.IsDir)
	item.IsHidden = item.IsHidden || e.IsHidden
	if item.IsDir {
		item.Size = 0
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

	t, err := splitLocation(loc)
	if err != nil {
		return nil, unifs.NewPathError("stat", loc, err)
	}
	if t.isServerRoot() {
		item := unifs.NewFileItem(loc, 0, time.Time{}, true)
		item.Name = t.host
		return &item, nil
	}

	a, _, err := p.auth(t.host)
	if err != nil {
		return nil, unifs.NewPathError("stat", loc, err)
	}

	var entry rpc.Entry
	if err := p.call(ctx, "stat", loc, rpc.MethodStat, rpc.PathParams{Auth: a, Share: t.share, Path: t.path}, &entry); err != nil {
		return nil, err
	}
	item := itemFor(loc, entry)
	return &item, nil
}

// CreateDirectory implements unifs.Provider
func (p *Provider) CreateDirectory(ctx context.Context, loc unifs.Location) error {
	return p.pathCall(ctx, "mkdir", loc, rpc.MethodCreateDirectory)
}

// Delete implements unifs.Provider
func (p *Provider) Delete(ctx context.Context, loc unifs.Location) error {
	return p.pathCall(ctx, "delete", loc, rpc.MethodDelete)
}

func (p *Provider) pathCall(ctx context.Context, op string, loc unifs.Location, method string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t, err := splitLocation(loc)
	if err != nil {
		return unifs.NewPathError(op, loc, err)
	}
	if t.isServerRoot() || t.isShareRoot() {
		return unifs.NewPathError(op, loc, unifs.ErrPermission)
	}
	a, _, err := p.auth(t.host)
	if err != nil {
		return unifs.NewPathError(op, loc, err)
	}
	return p.call(ctx, op, loc, method, rpc.PathParams{Auth: a, Share: t.share, Path: t.path}, nil)
}

// Rename implements unifs.Provider
func (p *Provider) Rename(ctx context.Context, from, to unifs.Location) error {
	return p.transfer(ctx, "rename", from, to, rpc.MethodRename)
}

// Copy implements unifs.Provider
func (p *Provider) Copy(ctx context.Context, from, to unifs.Location) error {
	return p.transfer(ctx, "copy", from, to, rpc.MethodCopy)
}

// Move implements unifs.Provider as a rename within the share
func (p *Provider) Move(ctx context.Context, from, to unifs.Location) error {
	return p.Rename(ctx, from, to)
}

func (p *Provider) transfer(ctx context.Context, op string, from, to unifs.Location, method string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	src, err := splitLocation(from)
	if err != nil {
		return unifs.NewPathError(op, from, err)
	}
	dst, err := splitLocation(to)
	if err != nil {
		return unifs.NewPathError(op, to, err)
	}
	if src.isServerRoot() || src.isShareRoot() || dst.isServerRoot() || dst.isShareRoot() {
		return unifs.NewPathError(op, from, unifs.ErrPermission)
	}
	if !from.SameAuthority(to) || !strings.EqualFold(src.share, dst.share) {
		return unifs.NewPathError(op, to, fmt.Errorf("%w: %s across shares", unifs.ErrNotSupported, op))
	}

	a, _, err := p.auth(src.host)
	if err != nil {
		return unifs.NewPathError(op, from, err)
	}
	params := rpc.TransferParams{Auth: a, Share: src.share, From: src.path, To: dst.path}
	return p.call(ctx, op, from, method, params, nil)
}

// Capabilities implements unifs.Provider. The server root only lists shares.
func (p *Provider) Capabilities(loc unifs.Location) unifs.Capabilities {
	t, err := splitLocation(loc)
	if err == nil && t.isServerRoot() {
		return unifs.ReadOnlyCapabilities(Scheme, "SMB "+t.host)
	}
	caps := unifs.ReadWriteCapabilities(Scheme, "SMB "+loc.Host())
	caps.RequiresExplicitRefresh = true
	return caps
}

// Open implements unifs.CanOpen. Content is fetched in chunks as it is read.
func (p *Provider) Open(ctx context.Context, loc unifs.Location) (io.ReadCloser, error) {
	item, err := p.GetFileMetadata(ctx, loc)
	if err != nil {
		return nil, err
	}
	if item.IsDir {
		return nil, unifs.NewPathError("open", loc, unifs.ErrIsDir)
	}

	t, _ := splitLocation(loc)
	a, _, err := p.auth(t.host)
	if err != nil {
		return nil, unifs.NewPathError("open", loc, err)
	}
	return &chunkReader{ctx: ctx, p: p, loc: loc, params: rpc.ReadParams{Auth: a, Share: t.share, Path: t.path, Length: readChunk}}, nil
}

type chunkReader struct {
	ctx    context.Context
	p      *Provider
	loc    unifs.Location
	params rpc.ReadParams
	buf    []byte
	eof    bool
}

func (r *chunkReader) Read(b []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		var res rpc.ReadResult
		if err := r.p.call(r.ctx, "read", r.loc, rpc.MethodReadFile, r.params, &res); err != nil {
			return 0, err
		}
		r.params.Offset += int64(len(res.Data))
		r.buf = res.Data
		r.eof = res.EOF || len(res.Data) == 0
	}
	n := copy(b, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

// mapRPCError converts sidecar error codes to unifs errors
func mapRPCError(op string, loc unifs.Location, err error) error {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		var mapped error
		switch rpcErr.Code {
		case rpc.CodeNotFound:
			mapped = unifs.ErrNotExist
		case rpc.CodeExists:
			mapped = unifs.ErrExist
		case rpc.CodePermission:
			mapped = unifs.ErrPermission
		case rpc.CodeNotDir:
			mapped = unifs.ErrNotDir
		case rpc.CodeIsDir:
			mapped = unifs.ErrIsDir
		case rpc.CodeAuth:
			mapped = unifs.ErrAuthFailed
		case rpc.CodeConnect:
			mapped = unifs.ErrTransport
		}
		if mapped != nil {
			err = fmt.Errorf("%w: %s", mapped, rpcErr.Message)
		}
	}
	return unifs.NewPathError(op, loc, err)
}
