package local

import "github.com/gobeaver/unifs"

func init() {
	unifs.RegisterProvider(unifs.SchemeFile, func(env *unifs.Environment) (unifs.Provider, error) {
		return New(WithLogger(env.Logger.Named("file"))), nil
	})
}
