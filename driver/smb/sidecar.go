package smb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/unifs"
	"github.com/gobeaver/unifs/driver/smb/rpc"
	"github.com/gobeaver/unifs/internal/metrics"
	"go.uber.org/zap"
)

// State is the sidecar lifecycle state.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateAvailable
	StateCrashed
	StatePermanentlyFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateAvailable:
		return "available"
	case StateCrashed:
		return "crashed"
	case StatePermanentlyFailed:
		return "permanently-failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// missingLibrarySignatures are stderr fragments printed by the dynamic
// loader when the native SMB library is not installed.
var missingLibrarySignatures = []string{
	"error while loading shared libraries",
	"cannot open shared object file",
	"Library not loaded",
	"libsmbclient",
}

func isMissingLibrary(stderr string) bool {
	for _, sig := range missingLibrarySignatures {
		if strings.Contains(stderr, sig) {
			return true
		}
	}
	return false
}

// SidecarPath returns the sidecar executable inside dir, adding the
// platform's executable suffix.
func SidecarPath(dir, name string) string {
	if runtime.GOOS == "windows" && !strings.HasSuffix(name, ".exe") {
		name += ".exe"
	}
	return filepath.Join(dir, name)
}

// SidecarConfig configures process supervision.
type SidecarConfig struct {
	// Path is the absolute path of the sidecar executable.
	Path string
	// MaxRestarts bounds automatic restarts after crashes.
	MaxRestarts int
	// StartGrace is how long a fresh process must survive to count as started.
	StartGrace time.Duration
	// Env is appended to the inherited environment.
	Env []string
	// CallTimeout bounds a single request. A request that outlives it is
	// treated as a crash. Zero means DefaultCallTimeout; negative disables.
	CallTimeout time.Duration
}

// DefaultCallTimeout bounds a sidecar request when none is configured.
const DefaultCallTimeout = 60 * time.Second

// Sidecar supervises the SMB helper process.
//
// The process is started lazily by the first call. A failed pipe read or
// write is treated as a crash: the process is killed, the restart counter
// is incremented and the call fails with unifs.ErrConnectionLost. A call
// that gets no response within CallTimeout is handled the same way. Once the
// counter exceeds MaxRestarts the sidecar stays PermanentlyFailed until
// Reset.
type Sidecar struct {
	cfg    SidecarConfig
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	restarts int
	lastErr  error
	proc     *process
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	client *rpc.Client
	stderr *syncBuffer
	exited chan struct{}
}

// NewSidecar creates a supervisor. Nothing is started until the first call.
func NewSidecar(cfg SidecarConfig, logger *zap.Logger) *Sidecar {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = 200 * time.Millisecond
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Sidecar{cfg: cfg, logger: logger}
}

// State returns the current lifecycle state.
func (s *Sidecar) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts returns how many times the process has crashed since the last Reset.
func (s *Sidecar) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Call ensures the sidecar is available and performs one request. A
// returned *rpc.Error was reported by the sidecar; unifs.ErrConnectionLost
// means the process died or hung during the call and the call may be
// retried. When ctx is done first the call returns ctx.Err() and the
// request still completes in the background.
func (s *Sidecar) Call(ctx context.Context, method string, params, result any) error {
	proc, err := s.ensure(ctx)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- proc.client.Call(method, params, result)
	}()

	var timeout <-chan time.Time
	if s.cfg.CallTimeout > 0 {
		timer := time.NewTimer(s.cfg.CallTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err = <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		err = fmt.Errorf("%s: no response after %s", method, s.cfg.CallTimeout)
	}
	metrics.RecordSMBCall(method, err)
	if err == nil {
		return nil
	}

	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return err
	}

	s.crashed(proc, err)
	return fmt.Errorf("%w: %v", unifs.ErrConnectionLost, err)
}

// ensure returns a running process, starting one if needed.
func (s *Sidecar) ensure(ctx context.Context) (*process, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StatePermanentlyFailed {
		return nil, s.lastErr
	}
	if s.state == StateAvailable && s.proc != nil {
		select {
		case <-s.proc.exited:
			s.markCrashedLocked(fmt.Errorf("sidecar exited: %s", s.proc.stderr.Tail()))
			if s.state == StatePermanentlyFailed {
				return nil, s.lastErr
			}
		default:
			return s.proc, nil
		}
	}

	if s.state == StateCrashed {
		metrics.RecordSMBRestart()
		s.logger.Warn("restarting smb sidecar", zap.Int("restarts", s.restarts), zap.Int("max", s.cfg.MaxRestarts))
	}
	s.setStateLocked(StateStarting)

	proc, err := s.spawnLocked()
	if err != nil {
		return nil, err
	}
	s.proc = proc
	s.setStateLocked(StateAvailable)
	return proc, nil
}

func (s *Sidecar) spawnLocked() (*process, error) {
	path := s.cfg.Path
	if !filepath.IsAbs(path) {
		return nil, s.failPermanentlyLocked(fmt.Errorf("%w: sidecar path %q is not absolute", unifs.ErrSidecarUnavailable, path))
	}
	if _, err := os.Stat(path); err != nil {
		return nil, s.failPermanentlyLocked(fmt.Errorf("%w: sidecar not installed at %s", unifs.ErrSidecarUnavailable, path))
	}

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, s.startFailedLocked(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, s.startFailedLocked(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, s.startFailedLocked(err)
	}

	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		client: rpc.NewClient(stdout, stdin),
		stderr: stderr,
		exited: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(proc.exited)
	}()

	select {
	case <-proc.exited:
		output := stderr.String()
		if isMissingLibrary(output) {
			return nil, s.failPermanentlyLocked(fmt.Errorf("%w: %s", unifs.ErrNativeLibraryMissing, strings.TrimSpace(output)))
		}
		return nil, s.startFailedLocked(fmt.Errorf("sidecar exited during startup: %s", strings.TrimSpace(output)))
	case <-time.After(s.cfg.StartGrace):
	}

	s.logger.Info("smb sidecar started", zap.String("path", path), zap.Int("pid", cmd.Process.Pid))
	return proc, nil
}

// crashed drops proc after a pipe failure. It is a no-op if proc has
// already been replaced.
func (s *Sidecar) crashed(proc *process, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != proc {
		return
	}
	s.markCrashedLocked(cause)
}

func (s *Sidecar) markCrashedLocked(cause error) {
	s.proc.kill()
	s.proc = nil
	s.restarts++
	s.logger.Warn("smb sidecar crashed", zap.Error(cause), zap.Int("restarts", s.restarts))

	if s.restarts > s.cfg.MaxRestarts {
		s.failPermanentlyLocked(fmt.Errorf("%w: crashed %d times: %v", unifs.ErrSidecarUnavailable, s.restarts, cause))
		return
	}
	s.setStateLocked(StateCrashed)
}

func (s *Sidecar) startFailedLocked(cause error) error {
	s.restarts++
	if s.restarts > s.cfg.MaxRestarts {
		return s.failPermanentlyLocked(fmt.Errorf("%w: %v", unifs.ErrSidecarUnavailable, cause))
	}
	s.setStateLocked(StateCrashed)
	return fmt.Errorf("%w: %v", unifs.ErrSidecarUnavailable, cause)
}

func (s *Sidecar) failPermanentlyLocked(err error) error {
	s.lastErr = err
	s.setStateLocked(StatePermanentlyFailed)
	s.logger.Error("smb sidecar unavailable", zap.Error(err))
	return err
}

func (s *Sidecar) setStateLocked(state State) {
	s.state = state
	metrics.SetSMBState(int(state))
}

// Reset stops the process and clears the restart counter, allowing a
// permanently failed sidecar to be started again.
func (s *Sidecar) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		s.proc.kill()
		s.proc = nil
	}
	s.restarts = 0
	s.lastErr = nil
	s.setStateLocked(StateNotStarted)
}

// Close stops the process.
func (s *Sidecar) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		s.proc.stop()
		s.proc = nil
	}
	s.setStateLocked(StateNotStarted)
	return nil
}

// stop closes stdin so the sidecar exits on EOF, killing it if it lingers.
func (p *process) stop() {
	p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(2 * time.Second):
		p.kill()
	}
}

func (p *process) kill() {
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.exited
}

// syncBuffer collects stderr written from the exec copy goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 64*1024 {
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Tail returns the last line written.
func (b *syncBuffer) Tail() string {
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	return lines[len(lines)-1]
}
