package sftp

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
)

// memServer serves SFTP from a shared in-memory tree over pipes. Every dial
// gets its own request server so a session can be killed independently.
type memServer struct {
	handlers sftp.Handlers
	dials    atomic.Int32

	mu      sync.Mutex
	servers []*sftp.RequestServer
}

func newMemServer() *memServer {
	return &memServer{handlers: sftp.InMemHandler()}
}

func (m *memServer) dial(ctx context.Context, key Key) (*sftp.Client, io.Closer, error) {
	m.dials.Add(1)

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	server := sftp.NewRequestServer(struct {
		io.Reader
		io.WriteCloser
	}{serverReader, serverWriter}, m.handlers)
	go server.Serve()

	client, err := sftp.NewClientPipe(clientReader, clientWriter)
	if err != nil {
		server.Close()
		return nil, nil, err
	}

	m.mu.Lock()
	m.servers = append(m.servers, server)
	m.mu.Unlock()
	return client, server, nil
}

// killAll drops every server side, leaving clients with a dead connection.
func (m *memServer) killAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.servers {
		s.Close()
	}
	m.servers = nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T, srv *memServer, cfg PoolConfig) (*Pool, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := NewPool(srv.dial, cfg, zap.NewNop())
	p.now = clock.Now
	t.Cleanup(func() { p.Close() })
	return p, clock
}

func TestNewKey(t *testing.T) {
	key := NewKey("Example.COM", 0)
	if key != (Key{Host: "example.com", Port: 22}) {
		t.Errorf("unexpected key: %+v", key)
	}
	if got := NewKey("host", 2222).String(); got != "host:2222" {
		t.Errorf("expected host:2222, got %s", got)
	}
}

func TestPoolReusesSessionWithinGrace(t *testing.T) {
	srv := newMemServer()
	p, clock := newTestPool(t, srv, DefaultPoolConfig())
	ctx := context.Background()
	key := NewKey("example.com", 22)

	first, err := p.Get(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.Advance(10 * time.Second)
	second, err := p.Get(ctx, NewKey("EXAMPLE.com", 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first != second {
		t.Error("expected the same session for the same server")
	}
	if n := srv.dials.Load(); n != 1 {
		t.Errorf("expected 1 dial, got %d", n)
	}
	if first.WorkingDir() == "" {
		t.Error("expected working directory to be captured")
	}
}

func TestPoolProbesAfterGrace(t *testing.T) {
	srv := newMemServer()
	p, clock := newTestPool(t, srv, DefaultPoolConfig())
	ctx := context.Background()
	key := NewKey("example.com", 22)

	first, err := p.Get(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("live session is kept", func(t *testing.T) {
		clock.Advance(time.Minute)
		s, err := p.Get(ctx, key)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s != first {
			t.Error("expected live session to be reused after probe")
		}
	})

	t.Run("dead session is replaced", func(t *testing.T) {
		srv.killAll()
		clock.Advance(time.Minute)
		s, err := p.Get(ctx, key)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s == first {
			t.Error("expected a new session after failed probe")
		}
		if n := srv.dials.Load(); n != 2 {
			t.Errorf("expected 2 dials, got %d", n)
		}
	})
}

func TestPoolEvictsIdleSessions(t *testing.T) {
	srv := newMemServer()
	p, clock := newTestPool(t, srv, DefaultPoolConfig())
	ctx := context.Background()
	key := NewKey("example.com", 22)

	first, err := p.Get(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(6 * time.Minute)
	second, err := p.Get(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second == first {
		t.Error("expected idle session to be replaced")
	}
	if !first.closed.Load() {
		t.Error("expected idle session to be closed")
	}
}

func TestPoolSweep(t *testing.T) {
	srv := newMemServer()
	p, clock := newTestPool(t, srv, DefaultPoolConfig())
	ctx := context.Background()

	if _, err := p.Get(ctx, NewKey("a.example.com", 22)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.Advance(4 * time.Minute)
	if _, err := p.Get(ctx, NewKey("b.example.com", 22)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", p.Len())
	}

	clock.Advance(2 * time.Minute)
	if n := p.Sweep(); n != 1 {
		t.Errorf("expected 1 swept session, got %d", n)
	}
	if p.Len() != 1 {
		t.Errorf("expected 1 session left, got %d", p.Len())
	}
}

func TestPoolConcurrentGetDialsOnce(t *testing.T) {
	srv := newMemServer()
	p := NewPool(srv.dial, DefaultPoolConfig(), nil)
	defer p.Close()

	var wg sync.WaitGroup
	sessions := make([]*Session, 16)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := p.Get(context.Background(), NewKey("example.com", 22))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if n := srv.dials.Load(); n != 1 {
		t.Errorf("expected 1 dial, got %d", n)
	}
	for i, s := range sessions {
		if s != sessions[0] {
			t.Errorf("goroutine %d got a different session", i)
		}
	}
}

func TestPoolDialError(t *testing.T) {
	dialErr := errors.New("boom")
	p := NewPool(func(ctx context.Context, key Key) (*sftp.Client, io.Closer, error) {
		return nil, nil, dialErr
	}, DefaultPoolConfig(), nil)

	_, err := p.Get(context.Background(), NewKey("example.com", 22))
	if !errors.Is(err, dialErr) {
		t.Errorf("expected dial error, got %v", err)
	}
	if p.Len() != 0 {
		t.Errorf("expected no pooled sessions, got %d", p.Len())
	}
}

func TestSessionTransferPermits(t *testing.T) {
	srv := newMemServer()
	p, _ := newTestPool(t, srv, DefaultPoolConfig())

	s, err := p.Get(context.Background(), NewKey("example.com", 22))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	release, err := s.AcquireTransfer(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.AcquireTransfer(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second transfer to wait, got %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := s.AcquireTransfer(context.Background())
		if err == nil {
			r()
		}
		close(acquired)
	}()

	release()
	release() // second call is a no-op

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiting transfer was not granted after release")
	}
}

// holdOpenDial connects like an SSH channel whose server keeps the stream
// open after the client stops writing. Only closing the transport ends the
// client's reader.
func holdOpenDial(srv *memServer) DialFunc {
	return func(ctx context.Context, key Key) (*sftp.Client, io.Closer, error) {
		srv.dials.Add(1)

		clientReader, serverWriter := io.Pipe()
		serverReader, clientWriter := io.Pipe()

		server := sftp.NewRequestServer(struct {
			io.Reader
			io.WriteCloser
		}{serverReader, serverWriter}, srv.handlers)
		go server.Serve()

		client, err := sftp.NewClientPipe(clientReader, nopWriteCloser{clientWriter})
		if err != nil {
			server.Close()
			return nil, nil, err
		}
		return client, closerFunc(func() error {
			clientReader.Close()
			clientWriter.Close()
			return server.Close()
		}), nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestSessionCloseDoesNotBlock(t *testing.T) {
	tests := []struct {
		name string
		stop func(p *Pool, s *Session)
	}{
		{"evict", func(p *Pool, s *Session) { p.Evict(s, "dead") }},
		{"pool close", func(p *Pool, s *Session) { p.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newMemServer()
			p := NewPool(holdOpenDial(srv), DefaultPoolConfig(), zap.NewNop())
			t.Cleanup(func() { p.Close() })

			s, err := p.Get(context.Background(), NewKey("example.com", 22))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			done := make(chan struct{})
			go func() {
				tt.stop(p, s)
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("closing a live session blocked")
			}
		})
	}
}

func TestPoolKeepsSessionsWithActiveTransfers(t *testing.T) {
	srv := newMemServer()
	p, clock := newTestPool(t, srv, DefaultPoolConfig())
	ctx := context.Background()
	key := NewKey("example.com", 22)

	s, err := p.Get(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	release, err := s.AcquireTransfer(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(6 * time.Minute)
	if n := p.Sweep(); n != 0 {
		t.Errorf("expected no sessions swept during a transfer, got %d", n)
	}
	again, err := p.Get(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != s {
		t.Error("expected the session holding a transfer to be reused")
	}

	// Releasing counts as use, so the session is fresh afterwards.
	clock.Advance(6 * time.Minute)
	release()
	clock.Advance(time.Minute)
	if n := p.Sweep(); n != 0 {
		t.Errorf("expected released session to be fresh, got %d swept", n)
	}

	clock.Advance(6 * time.Minute)
	if n := p.Sweep(); n != 1 {
		t.Errorf("expected idle session to be swept, got %d", n)
	}
	if n := srv.dials.Load(); n != 1 {
		t.Errorf("expected 1 dial, got %d", n)
	}
}
