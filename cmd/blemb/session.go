package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blemodbus/internal/controller"
	"github.com/srg/blemodbus/internal/gatt/goble"
	"github.com/srg/blemodbus/internal/profile"
	"github.com/srg/blemodbus/pkg/config"
)

// openSession connects to a dongle and brings a session to the ready state.
// The caller owns the returned session and must Close it.
func openSession(ctx context.Context, cfg *config.Config, logger *logrus.Logger, address, model string) (*controller.Session, error) {
	m, err := profile.ParseModel(model)
	if err != nil {
		return nil, err
	}

	sess := controller.NewSession(goble.NewClient(logger), controller.Options{
		Address:        address,
		Model:          m,
		ConnectTimeout: cfg.ConnectTimeout,
		CommandTimeout: cfg.CommandTimeout,
		ChunkSize:      cfg.WriteChunkSize,
	}, logger)

	if err := sess.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open session with %s: %w", address, err)
	}
	return sess, nil
}

// contextWithTimeout returns a fresh bounded context, detached from any
// already-cancelled command context.
func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = time.Second
	}
	return context.WithTimeout(context.Background(), d)
}

// interruptibleContext derives a context cancelled by SIGINT/SIGTERM.
func interruptibleContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(cmd.Context())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
