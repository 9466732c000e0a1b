package unifs

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobeaver/beaver-kit/config"
)

type Config struct {
	// Logging
	LogLevel  string `env:"UNIFS_LOG_LEVEL,default:info"`
	LogFormat string `env:"UNIFS_LOG_FORMAT,default:json"` // json, console

	// Schemes to leave out of the registry, comma-separated
	DisabledSchemes string `env:"UNIFS_DISABLED_SCHEMES"`

	// YAML file read by the file-backed secret store
	CredentialsFile string `env:"UNIFS_CREDENTIALS_FILE"`

	// SFTP session pool
	SFTPConnectTimeout  int    `env:"UNIFS_SFTP_CONNECT_TIMEOUT,default:15"`  // seconds
	SFTPIdleTimeout     int    `env:"UNIFS_SFTP_IDLE_TIMEOUT,default:300"`    // seconds
	SFTPLivenessGrace   int    `env:"UNIFS_SFTP_LIVENESS_GRACE,default:30"`   // seconds
	SFTPTransferPermits int    `env:"UNIFS_SFTP_TRANSFER_PERMITS,default:1"`  // concurrent transfers per server
	SFTPKnownHostsFile  string `env:"UNIFS_SFTP_KNOWN_HOSTS"`                 // empty disables host key checking

	// SMB sidecar
	SMBSidecarDir   string `env:"UNIFS_SMB_SIDECAR_DIR"` // defaults to the executable's directory
	SMBSidecarName  string `env:"UNIFS_SMB_SIDECAR_NAME,default:unifs-smb-sidecar"`
	SMBMaxRestarts  int    `env:"UNIFS_SMB_MAX_RESTARTS,default:3"`
	SMBStartGrace   int    `env:"UNIFS_SMB_START_GRACE_MS,default:200"` // milliseconds
	SMBClientPath   string `env:"UNIFS_SMB_CLIENT_PATH,default:smbclient"`
	SMBShareTimeout int    `env:"UNIFS_SMB_SHARE_TIMEOUT,default:30"` // seconds
	SMBCallTimeout  int    `env:"UNIFS_SMB_CALL_TIMEOUT,default:60"`  // seconds

	// Archive extraction cache
	ArchiveCacheDir        string `env:"UNIFS_ARCHIVE_CACHE_DIR"`
	ArchiveCacheTTL        int    `env:"UNIFS_ARCHIVE_CACHE_TTL,default:86400"` // seconds
	ArchiveCacheMaxBytes   int64  `env:"UNIFS_ARCHIVE_CACHE_MAX_BYTES,default:1073741824"`
	ArchiveLockStaleAge    int    `env:"UNIFS_ARCHIVE_LOCK_STALE_AGE,default:300"` // seconds
	ArchivePruneInterval   int    `env:"UNIFS_ARCHIVE_PRUNE_INTERVAL,default:60"`  // seconds
	ArchiveStructureCache  int    `env:"UNIFS_ARCHIVE_STRUCTURE_CACHE,default:32"`
	ArchiveMaxEntries      int    `env:"UNIFS_ARCHIVE_MAX_ENTRIES,default:200000"`
	ArchiveMaxEntrySize    int64  `env:"UNIFS_ARCHIVE_MAX_ENTRY_SIZE,default:4294967296"`
	ArchiveMaxNestingDepth int    `env:"UNIFS_ARCHIVE_MAX_NESTING_DEPTH,default:10"`

	// Google Drive
	GDrivePageSize   int    `env:"UNIFS_GDRIVE_PAGE_SIZE,default:200"`
	GDriveIDCacheTTL int    `env:"UNIFS_GDRIVE_ID_CACHE_TTL,default:300"` // seconds
	GDriveEndpoint   string `env:"UNIFS_GDRIVE_ENDPOINT"`
}

// GetConfig returns config loaded from the UNIFS_* environment variables.
// The keys are read unprefixed; use WithPrefix to namespace them.
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: ""}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the built-in defaults without reading the environment.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:               "info",
		LogFormat:              "json",
		SFTPConnectTimeout:     15,
		SFTPIdleTimeout:        300,
		SFTPLivenessGrace:      30,
		SFTPTransferPermits:    1,
		SMBSidecarName:         "unifs-smb-sidecar",
		SMBMaxRestarts:         3,
		SMBStartGrace:          200,
		SMBClientPath:          "smbclient",
		SMBShareTimeout:        30,
		SMBCallTimeout:         60,
		ArchiveCacheTTL:        86400,
		ArchiveCacheMaxBytes:   1 << 30,
		ArchiveLockStaleAge:    300,
		ArchivePruneInterval:   60,
		ArchiveStructureCache:  32,
		ArchiveMaxEntries:      200000,
		ArchiveMaxEntrySize:    4 << 30,
		ArchiveMaxNestingDepth: 10,
		GDrivePageSize:         200,
		GDriveIDCacheTTL:       300,
	}
}

// SchemeEnabled reports whether scheme is not listed in DisabledSchemes.
func (c *Config) SchemeEnabled(scheme string) bool {
	for _, s := range strings.Split(c.DisabledSchemes, ",") {
		if strings.EqualFold(strings.TrimSpace(s), scheme) {
			return false
		}
	}
	return true
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) SFTPConnectTimeoutDuration() time.Duration { return seconds(c.SFTPConnectTimeout) }
func (c *Config) SFTPIdleTimeoutDuration() time.Duration    { return seconds(c.SFTPIdleTimeout) }
func (c *Config) SFTPLivenessGraceDuration() time.Duration  { return seconds(c.SFTPLivenessGrace) }
func (c *Config) SMBShareTimeoutDuration() time.Duration    { return seconds(c.SMBShareTimeout) }
func (c *Config) SMBCallTimeoutDuration() time.Duration     { return seconds(c.SMBCallTimeout) }
func (c *Config) ArchiveCacheTTLDuration() time.Duration    { return seconds(c.ArchiveCacheTTL) }
func (c *Config) ArchiveLockStaleDuration() time.Duration   { return seconds(c.ArchiveLockStaleAge) }
func (c *Config) ArchivePruneDuration() time.Duration       { return seconds(c.ArchivePruneInterval) }
func (c *Config) GDriveIDCacheDuration() time.Duration      { return seconds(c.GDriveIDCacheTTL) }

func (c *Config) SMBStartGraceDuration() time.Duration {
	return time.Duration(c.SMBStartGrace) * time.Millisecond
}

// SidecarDir returns the directory searched for the SMB sidecar. Only the
// application's own install directory is ever used.
func (c *Config) SidecarDir() (string, error) {
	if c.SMBSidecarDir != "" {
		return filepath.Abs(c.SMBSidecarDir)
	}
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

// ArchiveCacheRoot returns the extraction cache directory.
func (c *Config) ArchiveCacheRoot() (string, error) {
	if c.ArchiveCacheDir != "" {
		return filepath.Abs(c.ArchiveCacheDir)
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "unifs", "archive"), nil
}
