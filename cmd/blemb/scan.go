package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blemodbus/internal/profile"
	"github.com/srg/blemodbus/scanner"
)

// scanCmd represents the scan command.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for bridge dongles",
	Long: `Scan for nearby bridge dongles and display their addresses, names,
detected models, and signal strength.

By default only advertisers that look like dongles are shown (controller
service UUID or a known name prefix); use --all to list every BLE device.`,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanAll         bool
	scanAllowList   []string
	scanBlockList   []string
	scanNoDuplicate bool
	scanWatch       bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (0 uses the configured default)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Show every BLE advertiser, not just dongles")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Stream discoveries as they happen")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format %q: must be table or json", scanFormat)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	duration := cfg.ScanTimeout
	if scanDuration > 0 {
		duration = scanDuration
	}
	if scanWatch && scanDuration == 0 {
		duration = 0 // indefinite
	}

	s, err := scanner.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	opts := &scanner.ScanOptions{
		Duration:        duration,
		DuplicateFilter: scanNoDuplicate,
		All:             scanAll,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	if scanWatch {
		go streamDiscoveries(ctx, s)
	}

	dongles, err := s.Scan(ctx, opts, nil)
	if err != nil {
		return err
	}

	if scanWatch {
		return nil
	}
	return printDongles(dongles, scanFormat)
}

// streamDiscoveries prints live events until the context ends.
func streamDiscoveries(ctx context.Context, s *scanner.Scanner) {
	bold := color.New(color.Bold)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			if ev.Type != scanner.EventNew {
				continue
			}
			bold.Printf("%s  ", ev.Dongle.Address)
			fmt.Printf("%-24s %-8s %d dBm\n",
				displayName(ev.Dongle.Name), modelLabel(ev.Dongle.Model), ev.Dongle.RSSI)
		}
	}
}

func printDongles(dongles map[string]scanner.Dongle, format string) error {
	list := make([]scanner.Dongle, 0, len(dongles))
	for _, d := range dongles {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Address < list[j].Address })

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tMODEL\tRSSI\tSEEN")
	for _, d := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d dBm\t%d\n",
			d.Address, displayName(d.Name), modelLabel(d.Model), d.RSSI, d.Advertisements)
	}
	return w.Flush()
}

func displayName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "(unknown)"
	}
	return name
}

// modelLabel colors known models green and unknowns dim.
func modelLabel(m profile.Model) string {
	if m == profile.ModelUnknown {
		return color.New(color.Faint).Sprint("-")
	}
	return color.GreenString(m.String())
}
