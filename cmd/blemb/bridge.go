package main

import (
	"fmt"
	"io"
	"os"

	"github.com/creack/pty"
	"github.com/spf13/cobra"

	"github.com/srg/blemodbus/internal/frame"
)

// bridgeCmd represents the bridge command.
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Export the dongle's Modbus tunnel as a PTY",
	Long: `Create a pseudoterminal bridged to the dongle's transparent UART
service, so serial Modbus tooling can talk to the downstream bus without
knowing about BLE.

Each write to the PTY is framed and tunneled as one Modbus payload; decoded
response payloads are written back to the PTY in arrival order.

Example:
  blemb bridge AA:BB:CC:DD:EE:FF
  socat on the printed tty, or point your Modbus master at it directly.`,
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeModel   string
	bridgeSymlink string
)

func init() {
	bridgeCmd.Flags().StringVarP(&bridgeModel, "model", "m", "mk2", "Dongle model (mk1, mk2)")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g. /tmp/blemb0)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := interruptibleContext(cmd)
	defer cancel()

	sess, err := openSession(ctx, cfg, logger, args[0], bridgeModel)
	if err != nil {
		return err
	}
	defer sess.Close()

	conn, err := sess.Conn()
	if err != nil {
		return err
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("failed to open pty: %w", err)
	}
	defer ptmx.Close()
	defer tty.Close()

	if bridgeSymlink != "" {
		_ = os.Remove(bridgeSymlink)
		if err := os.Symlink(tty.Name(), bridgeSymlink); err != nil {
			return fmt.Errorf("failed to create symlink: %w", err)
		}
		defer os.Remove(bridgeSymlink)
		fmt.Printf("Bridge ready on %s (%s). Ctrl+C to stop.\n", bridgeSymlink, tty.Name())
	} else {
		fmt.Printf("Bridge ready on %s. Ctrl+C to stop.\n", tty.Name())
	}

	errCh := make(chan error, 2)

	// Dongle to PTY: decoded payloads straight through.
	go func() {
		_, err := io.Copy(ptmx, conn)
		errCh <- err
	}()

	// PTY to dongle: each read becomes one tunneled Modbus payload.
	go func() {
		buf := make([]byte, frame.MaxPayload)
		for {
			n, err := ptmx.Read(buf)
			if err != nil {
				errCh <- err
				return
			}
			if n == 0 {
				continue
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("bridge terminated: %w", err)
		}
		return nil
	}
}
