package gdrive

import "github.com/gobeaver/unifs"

func init() {
	unifs.RegisterProvider(Scheme, func(env *unifs.Environment) (unifs.Provider, error) {
		cfg := env.Config
		return New(env.Secrets,
			WithLogger(env.Logger.Named(Scheme)),
			WithServiceFactory(TokenServiceFactory(cfg.GDriveEndpoint)),
			WithPageSize(cfg.GDrivePageSize),
			WithIDCacheTTL(cfg.GDriveIDCacheDuration()),
		), nil
	})
}
