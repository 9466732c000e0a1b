package unifs

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// SFTPAuthMethod selects how an SFTP session authenticates.
type SFTPAuthMethod string

const (
	SFTPAuthPassword   SFTPAuthMethod = "password"
	SFTPAuthPrivateKey SFTPAuthMethod = "key"
	SFTPAuthAgent      SFTPAuthMethod = "agent"
)

// SFTPCredentials is the secret record for one SFTP server.
type SFTPCredentials struct {
	Hostname      string         `yaml:"hostname"`
	Port          int            `yaml:"port"`
	Username      string         `yaml:"username"`
	AuthMethod    SFTPAuthMethod `yaml:"auth"`
	Password      string         `yaml:"password,omitempty"`
	KeyPath       string         `yaml:"key_path,omitempty"`
	KeyPassphrase string         `yaml:"key_passphrase,omitempty"`
}

func (c SFTPCredentials) String() string {
	return fmt.Sprintf("sftp %s@%s:%d (%s)", c.Username, c.Hostname, c.Port, c.AuthMethod)
}

// SMBCredentials is the secret record for one SMB server.
type SMBCredentials struct {
	Hostname string `yaml:"hostname"`
	Username string `yaml:"username"`
	Password string `yaml:"password,omitempty"`
	Domain   string `yaml:"domain,omitempty"`
}

func (c SMBCredentials) String() string {
	if c.Domain != "" {
		return fmt.Sprintf("smb %s\\%s@%s", c.Domain, c.Username, c.Hostname)
	}
	return fmt.Sprintf("smb %s@%s", c.Username, c.Hostname)
}

// GoogleAccount is a connected Drive account holding a bearer token.
// Token acquisition and refresh happen outside this module.
type GoogleAccount struct {
	Email       string `yaml:"email"`
	AccessToken string `yaml:"access_token"`
}

func (a GoogleAccount) String() string {
	return "gdrive " + a.Email
}

// SecretStore resolves backend credentials. Lookups that find nothing
// return an error wrapping ErrNoCredentials.
type SecretStore interface {
	SFTPCredentials(host string, port int) (*SFTPCredentials, error)
	SMBCredentials(host string) (*SMBCredentials, error)
	GoogleAccount(email string) (*GoogleAccount, error)
	GoogleAccounts() ([]GoogleAccount, error)

	StoreSFTPCredentials(creds SFTPCredentials) error
	StoreSMBCredentials(creds SMBCredentials) error
	StoreGoogleAccount(account GoogleAccount) error
}

// MemorySecretStore is a thread-safe in-process SecretStore.
type MemorySecretStore struct {
	mu       sync.RWMutex
	sftp     map[string]SFTPCredentials
	smb      map[string]SMBCredentials
	accounts map[string]GoogleAccount
}

var _ SecretStore = (*MemorySecretStore)(nil)

// NewMemorySecretStore creates an empty store.
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{
		sftp:     make(map[string]SFTPCredentials),
		smb:      make(map[string]SMBCredentials),
		accounts: make(map[string]GoogleAccount),
	}
}

func sftpKey(host string, port int) string {
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", strings.ToLower(host), port)
}

func (s *MemorySecretStore) SFTPCredentials(host string, port int) (*SFTPCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.sftp[sftpKey(host, port)]
	if !ok {
		return nil, fmt.Errorf("%w for sftp://%s:%d", ErrNoCredentials, host, port)
	}
	return &creds, nil
}

func (s *MemorySecretStore) SMBCredentials(host string) (*SMBCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.smb[strings.ToLower(host)]
	if !ok {
		return nil, fmt.Errorf("%w for smb://%s", ErrNoCredentials, host)
	}
	return &creds, nil
}

func (s *MemorySecretStore) GoogleAccount(email string) (*GoogleAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("%w for gdrive account %s", ErrNoCredentials, email)
	}
	return &account, nil
}

// GoogleAccounts returns all accounts sorted by email.
func (s *MemorySecretStore) GoogleAccounts() ([]GoogleAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GoogleAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *MemorySecretStore) StoreSFTPCredentials(creds SFTPCredentials) error {
	if creds.Hostname == "" {
		return fmt.Errorf("%w: sftp credentials without hostname", ErrInvalidAddress)
	}
	if creds.Port == 0 {
		creds.Port = 22
	}
	s.mu.Lock()
	s.sftp[sftpKey(creds.Hostname, creds.Port)] = creds
	s.mu.Unlock()
	return nil
}

func (s *MemorySecretStore) StoreSMBCredentials(creds SMBCredentials) error {
	if creds.Hostname == "" {
		return fmt.Errorf("%w: smb credentials without hostname", ErrInvalidAddress)
	}
	s.mu.Lock()
	s.smb[strings.ToLower(creds.Hostname)] = creds
	s.mu.Unlock()
	return nil
}

func (s *MemorySecretStore) StoreGoogleAccount(account GoogleAccount) error {
	if account.Email == "" {
		return fmt.Errorf("%w: google account without email", ErrInvalidAddress)
	}
	s.mu.Lock()
	s.accounts[strings.ToLower(account.Email)] = account
	s.mu.Unlock()
	return nil
}

// secretsFile is the on-disk layout read by LoadSecretsFile.
type secretsFile struct {
	SFTP   []SFTPCredentials `yaml:"sftp"`
	SMB    []SMBCredentials  `yaml:"smb"`
	Google []GoogleAccount   `yaml:"google"`
}

// LoadSecretsFile reads a YAML credentials file into a new MemorySecretStore.
//
//	sftp:
//	  - hostname: files.example.com
//	    username: deploy
//	    auth: key
//	    key_path: ~/.ssh/id_ed25519
//	smb:
//	  - hostname: nas.local
//	    username: alice
//	    password: secret
func LoadSecretsFile(path string) (*MemorySecretStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var f secretsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials file %s: %w", path, err)
	}

	store := NewMemorySecretStore()
	for _, c := range f.SFTP {
		if err := store.StoreSFTPCredentials(c); err != nil {
			return nil, err
		}
	}
	for _, c := range f.SMB {
		if err := store.StoreSMBCredentials(c); err != nil {
			return nil, err
		}
	}
	for _, a := range f.Google {
		if err := store.StoreGoogleAccount(a); err != nil {
			return nil, err
		}
	}
	return store, nil
}
