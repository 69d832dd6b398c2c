package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blemodbus/internal/controller"
)

// watchCmd represents the watch command.
var watchCmd = &cobra.Command{
	Use:   "watch <device-address> <slot> <modbus-id> <register> <length>",
	Short: "Arm a watcher slot and stream its notifications",
	Long: `Arm one watcher slot against a Modbus register window and print every
status notification the dongle pushes, until interrupted.

slot      watcher slot number (0-based)
modbus-id Modbus unit id of the downstream device
register  first register address (decimal or 0x-prefixed hex)
length    number of registers to watch

Example:
  blemb watch AA:BB:CC:DD:EE:FF 0 1 0x0100 4`,
	Args: cobra.ExactArgs(5),
	RunE: runWatch,
}

var watchModel string

func init() {
	watchCmd.Flags().StringVarP(&watchModel, "model", "m", "mk2", "Dongle model (mk1, mk2)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	slot, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid slot %q: %w", args[1], err)
	}
	modbusID, err := strconv.ParseUint(args[2], 0, 8)
	if err != nil {
		return fmt.Errorf("invalid modbus id %q: %w", args[2], err)
	}
	register, err := strconv.ParseUint(args[3], 0, 16)
	if err != nil {
		return fmt.Errorf("invalid register %q: %w", args[3], err)
	}
	length, err := strconv.Atoi(args[4])
	if err != nil {
		return fmt.Errorf("invalid length %q: %w", args[4], err)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := interruptibleContext(cmd)
	defer cancel()

	sess, err := openSession(ctx, cfg, logger, args[0], watchModel)
	if err != nil {
		return err
	}
	defer sess.Close()

	updates := make(chan controller.StatusUpdate, 64)
	id := sess.On(controller.EventData, func(ev controller.Event) {
		if su, ok := ev.Payload.(controller.StatusUpdate); ok && su.Slot == slot {
			select {
			case updates <- su:
			default:
			}
		}
	})
	defer sess.Off(id)

	if err := sess.Watch(ctx, slot, byte(modbusID), uint16(register), length); err != nil {
		return err
	}

	slotLabel := color.New(color.FgCyan).Sprintf("slot %d", slot)
	fmt.Printf("Watching %s (unit %d, register 0x%04x, length %d). Ctrl+C to stop.\n",
		slotLabel, modbusID, register, length)

	for {
		select {
		case <-ctx.Done():
			// Best-effort disarm on a fresh context; the session is going
			// down anyway if this fails.
			unwatchCtx, unwatchCancel := contextWithTimeout(cfg.CommandTimeout)
			err := sess.Unwatch(unwatchCtx, slot)
			unwatchCancel()
			return err
		case su := <-updates:
			fmt.Printf("%s  %s  %s\n",
				time.Now().Format(time.RFC3339), slotLabel, hex.EncodeToString(su.Data))
		}
	}
}
