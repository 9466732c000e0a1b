package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gobeaver/unifs"
	"github.com/gobeaver/unifs/internal/logging"
	"github.com/gobeaver/unifs/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchFilter      string
	watchMetricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch <location>",
	Short: "Print a line each time a directory changes",
	Long: `Watch a directory on a provider that supports change notification and
print a line on every change. Runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchFilter, "filter", "f", "", "Glob matched against changed names, e.g. *.go")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while watching")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	p, loc, err := resolve(args[0])
	if err != nil {
		return err
	}
	watcher, ok := p.(unifs.CanWatch)
	if !ok {
		return unifs.NewPathError("watch", loc, unifs.ErrNotSupported)
	}

	ctx := cmd.Context()
	if watchMetricsAddr != "" {
		srv := &http.Server{Addr: watchMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.L().Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	// Tokens fire once, so a new one is taken after every change.
	for {
		token, err := watcher.Watch(ctx, loc, watchFilter)
		if err != nil {
			return err
		}
		changed := make(chan struct{}, 1)
		unregister := token.RegisterChangeCallback(func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})

		select {
		case <-ctx.Done():
			unregister()
			return nil
		case <-changed:
			unregister()
			fmt.Printf("%s changed %s\n", time.Now().Format(time.RFC3339), loc)
		}
	}
}
