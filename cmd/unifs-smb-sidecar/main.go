// Command unifs-smb-sidecar serves SMB operations to the unifs SMB provider
// over stdin/stdout. It is started by the provider and exits when stdin is
// closed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gobeaver/unifs/driver/smb/rpc"
	"github.com/gobeaver/unifs/internal/logging"
	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	if err := logging.Init(logging.Config{
		Level:      os.Getenv("UNIFS_LOG_LEVEL"),
		Format:     "json",
		OutputPath: "stderr",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := &handler{logger: logging.Named("smb-sidecar")}
	h.logger.Debug("sidecar ready", zap.String("version", version), zap.Int("pid", os.Getpid()))

	if err := rpc.Serve(ctx, os.Stdin, os.Stdout, h.handle); err != nil && ctx.Err() == nil {
		h.logger.Error("serve failed", zap.Error(err))
		os.Exit(1)
	}
}
