package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/gobeaver/unifs"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Scheme is the address scheme served by this package.
const Scheme = "sftp"

// Provider serves sftp://[user@]host[:port]/path locations through a pool
// of shared sessions.
type Provider struct {
	pool           *Pool
	secrets        unifs.SecretStore
	logger         *zap.Logger
	poolConfig     PoolConfig
	connectTimeout time.Duration
	knownHosts     string
	dial           DialFunc
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

// WithPoolConfig sets idle timeout, liveness grace and transfer permits
func WithPoolConfig(cfg PoolConfig) Option {
	return func(p *Provider) {
		p.poolConfig = cfg
	}
}

// WithConnectTimeout bounds the TCP connect and SSH handshake
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.connectTimeout = d
	}
}

// WithKnownHosts enables host key verification against a known_hosts file
func WithKnownHosts(path string) Option {
	return func(p *Provider) {
		p.knownHosts = path
	}
}

// WithDialer replaces the SSH dialer. Tests use it to serve SFTP in memory.
func WithDialer(dial DialFunc) Option {
	return func(p *Provider) {
		p.dial = dial
	}
}

// New creates an SFTP provider resolving credentials from secrets
func New(secrets unifs.SecretStore, options ...Option) *Provider {
	p := &Provider{
		secrets:        secrets,
		logger:         zap.NewNop(),
		poolConfig:     DefaultPoolConfig(),
		connectTimeout: 15 * time.Second,
	}
	for _, option := range options {
		option(p)
	}
	if p.dial == nil {
		p.dial = p.dialSSH
	}
	p.pool = NewPool(p.dial, p.poolConfig, p.logger)
	return p
}

func (p *Provider) Scheme() string { return Scheme }

// Pool exposes the session pool.
func (p *Provider) Pool() *Pool { return p.pool }

// Close closes every pooled session
func (p *Provider) Close() error {
	return p.pool.Close()
}

// dialSSH connects, authenticates and opens the SFTP subsystem.
func (p *Provider) dialSSH(ctx context.Context, key Key) (*sftp.Client, io.Closer, error) {
	creds, err := p.secrets.SFTPCredentials(key.Host, key.Port)
	if err != nil {
		return nil, nil, err
	}

	auth, agentConn, err := authMethods(creds)
	if err != nil {
		return nil, nil, err
	}
	if agentConn != nil {
		defer agentConn.Close()
	}

	hostKeys, err := hostKeyCallback(p.knownHosts)
	if err != nil {
		return nil, nil, err
	}

	config := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         p.connectTimeout,
	}

	addr := net.JoinHostPort(key.Host, fmt.Sprint(key.Port))
	dialer := net.Dialer{Timeout: p.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: connect to %s: %v", unifs.ErrTransport, addr, err)
	}

	if p.connectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(p.connectTimeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, nil, fmt.Errorf("%w for %s@%s: %v", unifs.ErrAuthFailed, creds.Username, addr, err)
		}
		return nil, nil, fmt.Errorf("%w: ssh handshake with %s: %v", unifs.ErrTransport, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(sshConn, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("%w: open sftp subsystem on %s: %v", unifs.ErrTransport, addr, err)
	}

	p.logger.Info("connected",
		zap.String("host", key.Host),
		zap.Int("port", key.Port),
		zap.String("user", creds.Username),
		zap.String("auth", string(creds.AuthMethod)))
	return client, sshClient, nil
}

// withSession runs fn on the pooled session for loc. A connection-level
// failure evicts the session and fn is retried once on a fresh one.
func (p *Provider) withSession(ctx context.Context, op string, loc unifs.Location, fn func(s *Session) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if loc.Scheme() != Scheme || loc.Host() == "" {
		return unifs.NewPathError(op, loc, unifs.ErrInvalidAddress)
	}
	key := NewKey(loc.Host(), loc.Port())

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		s, err := p.pool.Get(ctx, key)
		if err != nil {
			return unifs.NewPathError(op, loc, err)
		}

		err = fn(s)
		if err == nil {
			return nil
		}
		if !isConnectionError(err) {
			return mapSFTPError(op, loc, err)
		}

		p.logger.Warn("sftp connection lost", zap.Stringer("server", key), zap.String("op", op), zap.Error(err))
		p.pool.Evict(s, "io-error")
		lastErr = err
	}
	return unifs.NewPathError(op, loc, fmt.Errorf("%w: %v", unifs.ErrTransport, lastErr))
}

// remotePath maps the location path to the server, resolving "/~" against
// the session's working directory.
func remotePath(s *Session, loc unifs.Location) string {
	p := loc.Path()
	if p == "/~" || strings.HasPrefix(p, "/~/") {
		return path.Join(s.wd, strings.TrimPrefix(p[2:], "/"))
	}
	return p
}

// ReadDirectory implements unifs.Provider
func (p *Provider) ReadDirectory(ctx context.Context, loc unifs.Location) ([]unifs.FileItem, error) {
	var items []unifs.FileItem
	err := p.withSession(ctx, "readdir", loc, func(s *Session) error {
		dir := remotePath(s, loc)
		infos, err := s.client.ReadDir(dir)
		if err != nil {
			return err
		}

		items = make([]unifs.FileItem, 0, len(infos))
		for _, info := range infos {
			if info.Name() == "." || info.Name() == ".." {
				continue
			}
			items = append(items, itemFor(s, loc.Join(info.Name()), path.Join(dir, info.Name()), info))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	unifs.SortItems(items)
	return items, nil
}

func itemFor(s *Session, loc unifs.Location, full string, info os.FileInfo) unifs.FileItem {
	isLink := info.Mode()&os.ModeSymlink != 0
	if isLink {
		if target, err := s.client.Stat(full); err == nil {
			info = target
		}
	}
	item := unifs.NewFileItem(loc, info.Size(), info.ModTime(), info.IsDir())
	item.IsSymlink = isLink
	if item.IsDir {
		item.Size = 0
	}
	return item
}

// GetFileMetadata implements unifs.Provider
func (p *Provider) GetFileMetadata(ctx context.Context, loc unifs.Location) (*unifs.FileItem, error) {
	var item unifs.FileItem
	err := p.withSession(ctx, "stat", loc, func(s *Session) error {
		full := remotePath(s, loc)
		info, err := s.client.Lstat(full)
		if err != nil {
			return err
		}
		item = itemFor(s, loc, full, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if loc.IsRoot() {
		item.Name = "/"
	}
	return &item, nil
}

// CreateDirectory implements unifs.Provider
func (p *Provider) CreateDirectory(ctx context.Context, loc unifs.Location) error {
	return p.withSession(ctx, "mkdir", loc, func(s *Session) error {
		full := remotePath(s, loc)
		if _, err := s.client.Lstat(full); err == nil {
			return unifs.ErrExist
		}
		return s.client.MkdirAll(full)
	})
}

// Delete implements unifs.Provider. Directories are removed depth-first.
func (p *Provider) Delete(ctx context.Context, loc unifs.Location) error {
	if loc.IsRoot() {
		return unifs.NewPathError("delete", loc, unifs.ErrPermission)
	}
	return p.withSession(ctx, "delete", loc, func(s *Session) error {
		full := remotePath(s, loc)
		info, err := s.client.Lstat(full)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return removeAll(s.client, full)
		}
		return s.client.Remove(full)
	})
}

// removeAll deletes files before the directories that contain them.
func removeAll(client *sftp.Client, dir string) error {
	entries, err := client.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.Name() == "." || entry.Name() == ".." {
			continue
		}
		entryPath := path.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := removeAll(client, entryPath); err != nil {
				return err
			}
		} else {
			if err := client.Remove(entryPath); err != nil {
				return err
			}
		}
	}

	return client.RemoveDirectory(dir)
}

// Rename implements unifs.Provider
func (p *Provider) Rename(ctx context.Context, from, to unifs.Location) error {
	if !from.SameAuthority(to) {
		return unifs.NewPathError("rename", to, fmt.Errorf("%w: rename across servers", unifs.ErrNotSupported))
	}
	return p.withSession(ctx, "rename", from, func(s *Session) error {
		src, dst := remotePath(s, from), remotePath(s, to)
		if _, err := s.client.Lstat(src); err != nil {
			return err
		}
		if _, err := s.client.Lstat(dst); err == nil {
			return unifs.ErrExist
		}
		return s.client.Rename(src, dst)
	})
}

// Copy implements unifs.Provider. SFTP has no server-side copy, so content
// streams through the client while holding the server's transfer permit.
func (p *Provider) Copy(ctx context.Context, from, to unifs.Location) error {
	if !from.SameAuthority(to) {
		return unifs.NewPathError("copy", to, fmt.Errorf("%w: copy across servers", unifs.ErrNotSupported))
	}
	return p.withSession(ctx, "copy", from, func(s *Session) error {
		src, dst := remotePath(s, from), remotePath(s, to)
		if _, err := s.client.Lstat(src); err != nil {
			return err
		}
		if _, err := s.client.Lstat(dst); err == nil {
			return unifs.ErrExist
		}

		release, err := s.AcquireTransfer(ctx)
		if err != nil {
			return err
		}
		defer release()

		return copyTree(s.client, src, dst)
	})
}

func copyTree(client *sftp.Client, src, dst string) error {
	info, err := client.Stat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return copyFile(client, src, dst, info.Mode().Perm())
	}

	if err := client.Mkdir(dst); err != nil {
		return err
	}
	entries, err := client.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Name() == "." || entry.Name() == ".." {
			continue
		}
		if err := copyTree(client, path.Join(src, entry.Name()), path.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(client *sftp.Client, src, dst string, perm os.FileMode) error {
	in, err := client.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := client.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = client.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if perm != 0 {
		_ = client.Chmod(dst, perm)
	}
	return nil
}

// Move implements unifs.Provider as a server-side rename
func (p *Provider) Move(ctx context.Context, from, to unifs.Location) error {
	return p.Rename(ctx, from, to)
}

// Capabilities implements unifs.Provider
func (p *Provider) Capabilities(loc unifs.Location) unifs.Capabilities {
	caps := unifs.ReadWriteCapabilities(Scheme, "SFTP "+loc.Host())
	caps.RequiresExplicitRefresh = true
	return caps
}

// Open implements unifs.CanOpen. The returned reader holds the server's
// transfer permit until it is closed.
func (p *Provider) Open(ctx context.Context, loc unifs.Location) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := p.withSession(ctx, "open", loc, func(s *Session) error {
		full := remotePath(s, loc)
		info, err := s.client.Stat(full)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return unifs.ErrIsDir
		}

		release, err := s.AcquireTransfer(ctx)
		if err != nil {
			return err
		}
		f, err := s.client.Open(full)
		if err != nil {
			release()
			return err
		}
		rc = &permitReader{File: f, release: release}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

type permitReader struct {
	*sftp.File
	release func()
}

func (r *permitReader) Close() error {
	defer r.release()
	return r.File.Close()
}

// ============================================================================
// Error mapping
// ============================================================================

// isConnectionError reports failures of the transport rather than of the
// requested operation.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected server disconnect") || strings.Contains(msg, "connection lost")
}

// mapSFTPError converts SFTP errors to unifs errors
func mapSFTPError(op string, loc unifs.Location, err error) error {
	var pathErr *unifs.PathError
	if errors.As(err, &pathErr) {
		return err
	}

	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, sftp.ErrSSHFxNoSuchFile):
		err = unifs.ErrNotExist
	case errors.Is(err, fs.ErrPermission), errors.Is(err, sftp.ErrSSHFxPermissionDenied):
		err = unifs.ErrPermission
	case errors.Is(err, fs.ErrExist):
		err = unifs.ErrExist
	}
	return &unifs.PathError{Op: op, Path: loc.String(), Err: err}
}
