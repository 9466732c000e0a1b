package archive

import "github.com/gobeaver/unifs"

func init() {
	unifs.RegisterProvider(Scheme, func(env *unifs.Environment) (unifs.Provider, error) {
		cfg := env.Config
		dir, err := cfg.ArchiveCacheRoot()
		if err != nil {
			return nil, err
		}

		logger := env.Logger.Named(Scheme)
		cache, err := NewExtractionCache(CacheConfig{
			Dir:           dir,
			TTL:           cfg.ArchiveCacheTTLDuration(),
			MaxBytes:      cfg.ArchiveCacheMaxBytes,
			LockStaleAge:  cfg.ArchiveLockStaleDuration(),
			PruneInterval: cfg.ArchivePruneDuration(),
		}, logger)
		if err != nil {
			return nil, err
		}

		return New(cache,
			WithLogger(logger),
			WithRegistry(env.Registry),
			WithStructureCache(NewStructureCache(cfg.ArchiveStructureCache)),
			WithLimits(Limits{
				MaxEntries:   cfg.ArchiveMaxEntries,
				MaxEntrySize: cfg.ArchiveMaxEntrySize,
				MaxDepth:     cfg.ArchiveMaxNestingDepth,
			}),
		), nil
	})
}
