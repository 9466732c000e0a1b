package smb

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/gobeaver/unifs"
	"github.com/jmgilman/go/exec"
)

// Share is a disk share exported by a server.
type Share struct {
	Name    string
	Comment string
}

// ShareLister enumerates the disk shares of a server.
type ShareLister interface {
	ListShares(ctx context.Context, creds *unifs.SMBCredentials) ([]Share, error)
}

// SMBClient enumerates shares by running `smbclient -L`. Credentials are
// passed through a 0600 authentication file, never on the command line.
type SMBClient struct {
	executor exec.Executor
	timeout  time.Duration
	tempDir  string
}

var _ ShareLister = (*SMBClient)(nil)

// NewSMBClient runs the smbclient binary at path.
func NewSMBClient(path string, timeout time.Duration) *SMBClient {
	if path == "" {
		path = "smbclient"
	}
	return newSMBClient(exec.NewWrapper(exec.New(exec.WithInheritEnv()), path), timeout)
}

func newSMBClient(executor exec.Executor, timeout time.Duration) *SMBClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMBClient{executor: executor, timeout: timeout}
}

// ListShares implements ShareLister. Administrative shares ending in '$'
// are left out.
func (c *SMBClient) ListShares(ctx context.Context, creds *unifs.SMBCredentials) ([]Share, error) {
	authFile, err := writeAuthFile(c.tempDir, creds)
	if err != nil {
		return nil, err
	}
	defer os.Remove(authFile)

	result, err := c.executor.Clone().
		WithContext(ctx).
		WithTimeout(c.timeout.String()).
		Run("-L", "//"+creds.Hostname, "-g", "-A", authFile)
	if err != nil {
		return nil, classifyShareError(creds.Hostname, result, err)
	}
	return parseShares(result.Stdout), nil
}

// writeAuthFile writes an smbclient authentication file readable only by
// the current user.
func writeAuthFile(dir string, creds *unifs.SMBCredentials) (string, error) {
	f, err := os.CreateTemp(dir, "unifs-smb-auth-*")
	if err != nil {
		return "", fmt.Errorf("create smb auth file: %w", err)
	}
	name := f.Name()

	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("restrict smb auth file: %w", err)
	}

	content := fmt.Sprintf("username = %s\npassword = %s\n", creds.Username, creds.Password)
	if creds.Domain != "" {
		content += fmt.Sprintf("domain = %s\n", creds.Domain)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("write smb auth file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// parseShares reads the grepable `Type|Name|Comment` lines of smbclient -g.
func parseShares(out string) []Share {
	var shares []Share
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(strings.TrimSpace(line), "|", 3)
		if len(fields) < 2 || fields[0] != "Disk" {
			continue
		}
		name := fields[1]
		if name == "" || strings.HasSuffix(name, "$") {
			continue
		}
		share := Share{Name: name}
		if len(fields) == 3 {
			share.Comment = fields[2]
		}
		shares = append(shares, share)
	}
	return shares
}

func classifyShareError(host string, result *exec.Result, err error) error {
	if errors.Is(err, osexec.ErrNotFound) {
		return fmt.Errorf("%w: smbclient: %v", unifs.ErrNativeLibraryMissing, err)
	}

	var output string
	if result != nil {
		output = result.Combined
	}
	var execErr *exec.ExecError
	if errors.As(err, &execErr) && output == "" {
		output = execErr.Stdout + execErr.Stderr
	}

	switch {
	case isMissingLibrary(output):
		return fmt.Errorf("%w: %s", unifs.ErrNativeLibraryMissing, strings.TrimSpace(output))
	case strings.Contains(output, "NT_STATUS_LOGON_FAILURE"), strings.Contains(output, "NT_STATUS_ACCESS_DENIED"):
		return fmt.Errorf("%w: list shares on %s", unifs.ErrAuthFailed, host)
	}
	return fmt.Errorf("%w: list shares on %s: %v", unifs.ErrTransport, host, err)
}
