package sftp

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobeaver/unifs/internal/metrics"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Key identifies a server in the pool. Hosts are compared case-insensitively.
type Key struct {
	Host string
	Port int
}

// NewKey normalizes host and port. Port 0 means 22.
func NewKey(host string, port int) Key {
	if port == 0 {
		port = 22
	}
	return Key{Host: strings.ToLower(host), Port: port}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

// Session is a pooled SFTP connection shared by every caller targeting the
// same server. Listing and metadata calls use it freely; transfers must hold
// its permit.
type Session struct {
	key      Key
	client   *sftp.Client
	closer   io.Closer
	wd       string
	permits  *semaphore.Weighted
	active   atomic.Int32
	lastUsed atomic.Int64
	closed   atomic.Bool
	now      func() time.Time
}

// Client returns the SFTP client.
func (s *Session) Client() *sftp.Client { return s.client }

// Key returns the server identity.
func (s *Session) Key() Key { return s.key }

// WorkingDir returns the remote working directory captured at connect time.
func (s *Session) WorkingDir() string { return s.wd }

// AcquireTransfer blocks until a transfer permit is available. Waiters are
// served in arrival order. The returned func releases the permit. A session
// with a transfer in progress is never evicted as idle.
func (s *Session) AcquireTransfer(ctx context.Context) (release func(), err error) {
	start := time.Now()
	if err := s.permits.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	metrics.RecordSFTPTransferWait(time.Since(start).Seconds())
	s.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.touch(s.now())
			s.active.Add(-1)
			s.permits.Release(1)
		})
	}, nil
}

// busy reports whether a transfer holds the session.
func (s *Session) busy() bool {
	return s.active.Load() > 0
}

func (s *Session) touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastUsed.Load()))
}

// close shuts the transport before the SFTP client; the client waits for
// its reader goroutine, which only returns once the transport is gone.
func (s *Session) close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var err error
	if s.closer != nil {
		err = s.closer.Close()
	}
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// DialFunc opens an authenticated SFTP client for key. The returned closer,
// if any, releases the underlying transport.
type DialFunc func(ctx context.Context, key Key) (*sftp.Client, io.Closer, error)

// PoolConfig tunes session reuse.
type PoolConfig struct {
	// IdleTimeout evicts sessions unused for longer than this.
	IdleTimeout time.Duration
	// LivenessGrace skips the liveness probe for sessions used this recently.
	LivenessGrace time.Duration
	// TransferPermits is the number of concurrent transfers per server.
	TransferPermits int64
}

// DefaultPoolConfig returns the default pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		IdleTimeout:     5 * time.Minute,
		LivenessGrace:   30 * time.Second,
		TransferPermits: 1,
	}
}

// Pool keeps at most one live session per server.
type Pool struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	dial     DialFunc
	cfg      PoolConfig
	group    singleflight.Group
	now      func() time.Time
	logger   *zap.Logger
}

// NewPool creates a pool that opens sessions with dial.
func NewPool(dial DialFunc, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.TransferPermits <= 0 {
		cfg.TransferPermits = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		sessions: make(map[Key]*Session),
		dial:     dial,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// Get returns the pooled session for key, creating one if none is live.
//
// A session used within the liveness grace window is returned without a
// round trip. Older sessions are probed with a stat of the working
// directory; a failed probe evicts the session and a new one is dialed.
// Sessions idle past IdleTimeout are evicted without probing, unless a
// transfer still holds them.
func (p *Pool) Get(ctx context.Context, key Key) (*Session, error) {
	now := p.now()

	p.mu.Lock()
	s := p.sessions[key]
	if s != nil && p.idle(s, now) {
		delete(p.sessions, key)
		p.mu.Unlock()
		p.discard(s, "idle")
		s = nil
	} else {
		p.mu.Unlock()
	}

	if s != nil {
		if s.idleSince(now) <= p.cfg.LivenessGrace {
			s.touch(now)
			p.logger.Debug("reusing session", zap.Stringer("server", key))
			return s, nil
		}
		if _, err := s.client.Stat(s.wd); err == nil {
			s.touch(now)
			return s, nil
		}
		p.logger.Info("pooled session failed liveness probe", zap.Stringer("server", key))
		p.Evict(s, "dead")
	}

	v, err, _ := p.group.Do(key.String(), func() (interface{}, error) {
		p.mu.Lock()
		if existing := p.sessions[key]; existing != nil {
			p.mu.Unlock()
			return existing, nil
		}
		p.mu.Unlock()

		client, closer, err := p.dial(ctx, key)
		if err != nil {
			return nil, err
		}

		wd, err := client.Getwd()
		if err != nil || wd == "" {
			wd = "."
		}

		created := &Session{
			key:     key,
			client:  client,
			closer:  closer,
			wd:      wd,
			permits: semaphore.NewWeighted(p.cfg.TransferPermits),
			now:     func() time.Time { return p.now() },
		}
		created.touch(p.now())

		p.mu.Lock()
		p.sessions[key] = created
		p.mu.Unlock()
		metrics.RecordSFTPSessionCreated()

		p.logger.Info("sftp session established", zap.Stringer("server", key), zap.String("wd", wd))
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// idle reports whether s has been unused past IdleTimeout with no transfer
// in progress.
func (p *Pool) idle(s *Session, now time.Time) bool {
	return p.cfg.IdleTimeout > 0 && !s.busy() && s.idleSince(now) > p.cfg.IdleTimeout
}

// Evict removes s from the pool if it is still the pooled session for its
// key, and closes it.
func (p *Pool) Evict(s *Session, reason string) {
	p.mu.Lock()
	if p.sessions[s.key] == s {
		delete(p.sessions, s.key)
	}
	p.mu.Unlock()
	p.discard(s, reason)
}

func (p *Pool) discard(s *Session, reason string) {
	if s.closed.Load() {
		return
	}
	if err := s.close(); err != nil {
		p.logger.Debug("closing evicted session", zap.Stringer("server", s.key), zap.Error(err))
	}
	metrics.RecordSFTPSessionEvicted(reason)
	p.logger.Debug("evicted session", zap.Stringer("server", s.key), zap.String("reason", reason))
}

// Sweep evicts every session idle past IdleTimeout and returns how many.
func (p *Pool) Sweep() int {
	now := p.now()
	var stale []*Session

	p.mu.Lock()
	for key, s := range p.sessions {
		if p.idle(s, now) {
			delete(p.sessions, key)
			stale = append(stale, s)
		}
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.discard(s, "idle")
	}
	return len(stale)
}

// Len returns the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close closes all sessions.
func (p *Pool) Close() error {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[Key]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		p.discard(s, "shutdown")
	}
	return nil
}
