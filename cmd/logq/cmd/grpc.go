package cmd

import (
	"io"
	"log/slog"
	"time"

	"logq/pkg/client"
)

// dialGRPC connects to the resolved gRPC address.
func dialGRPC() (*client.GRPCConn, error) {
	cfg := client.DefaultConfig(resolved.GRPC)
	cfg.DialTimeout = 5 * time.Second
	cfg.Logger = quietLogger()
	return client.Dial(cfg)
}

// quietLogger keeps client chatter out of command output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
