package sftp

import "github.com/gobeaver/unifs"

func init() {
	unifs.RegisterProvider(Scheme, func(env *unifs.Environment) (unifs.Provider, error) {
		cfg := env.Config
		return New(env.Secrets,
			WithLogger(env.Logger.Named(Scheme)),
			WithConnectTimeout(cfg.SFTPConnectTimeoutDuration()),
			WithKnownHosts(cfg.SFTPKnownHostsFile),
			WithPoolConfig(PoolConfig{
				IdleTimeout:     cfg.SFTPIdleTimeoutDuration(),
				LivenessGrace:   cfg.SFTPLivenessGraceDuration(),
				TransferPermits: int64(cfg.SFTPTransferPermits),
			}),
		), nil
	})
}
