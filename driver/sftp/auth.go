package sftp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobeaver/unifs"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// authMethods builds the SSH auth methods for creds. The returned closer,
// when non-nil, owns an agent connection that must outlive the handshake.
func authMethods(creds *unifs.SFTPCredentials) ([]ssh.AuthMethod, io.Closer, error) {
	method := creds.AuthMethod
	if method == "" {
		switch {
		case creds.Password != "":
			method = unifs.SFTPAuthPassword
		case creds.KeyPath != "":
			method = unifs.SFTPAuthPrivateKey
		default:
			method = unifs.SFTPAuthAgent
		}
	}

	switch method {
	case unifs.SFTPAuthPassword:
		password := creds.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil, nil

	case unifs.SFTPAuthPrivateKey:
		signer, err := loadSigner(creds.KeyPath, creds.KeyPassphrase)
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil, nil

	case unifs.SFTPAuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, nil, fmt.Errorf("%w: SSH_AUTH_SOCK is not set", unifs.ErrAuthFailed)
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: connect to ssh agent: %v", unifs.ErrAuthFailed, err)
		}
		// The SSH client offers each agent identity in turn until one is accepted.
		client := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)}, conn, nil
	}

	return nil, nil, fmt.Errorf("%w: unknown auth method %q", unifs.ErrAuthFailed, method)
}

func loadSigner(keyPath, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(expandHome(keyPath))
	if err != nil {
		return nil, fmt.Errorf("%w: read private key: %v", unifs.ErrAuthFailed, err)
	}

	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", unifs.ErrAuthFailed, err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: private key is passphrase protected", unifs.ErrAuthFailed)
		}
		return nil, fmt.Errorf("%w: parse private key: %v", unifs.ErrAuthFailed, err)
	}
	return signer, nil
}

// expandHome expands a leading "~" in path.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}

// hostKeyCallback verifies against knownHostsFile, or accepts any key when
// no file is configured.
func hostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // opt-in via UNIFS_SFTP_KNOWN_HOSTS
	}
	cb, err := knownhosts.New(expandHome(knownHostsFile))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}
