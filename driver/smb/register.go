package smb

import "github.com/gobeaver/unifs"

func init() {
	unifs.RegisterProvider(Scheme, func(env *unifs.Environment) (unifs.Provider, error) {
		cfg := env.Config
		dir, err := cfg.SidecarDir()
		if err != nil {
			return nil, err
		}

		logger := env.Logger.Named(Scheme)
		sidecar := NewSidecar(SidecarConfig{
			Path:        SidecarPath(dir, cfg.SMBSidecarName),
			MaxRestarts: cfg.SMBMaxRestarts,
			StartGrace:  cfg.SMBStartGraceDuration(),
			CallTimeout: cfg.SMBCallTimeoutDuration(),
			Env:         []string{"UNIFS_LOG_LEVEL=" + cfg.LogLevel},
		}, logger)

		return New(sidecar, env.Secrets,
			WithLogger(logger),
			WithShareLister(NewSMBClient(cfg.SMBClientPath, cfg.SMBShareTimeoutDuration())),
		), nil
	})
}
