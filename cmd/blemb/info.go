package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blemodbus/internal/controller"
	"github.com/srg/blemodbus/internal/profile"
)

// infoCmd represents the info command.
var infoCmd = &cobra.Command{
	Use:   "info <device-address>",
	Short: "Inspect a dongle's identity and capabilities",
	Long: `Connect to a dongle, run a full capability inspection, and print its
identity (product, serial, firmware) together with the discovered watcher
capacity and optional features.`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

var (
	infoModel  string
	infoFormat string
)

func init() {
	infoCmd.Flags().StringVarP(&infoModel, "model", "m", "mk2", "Dongle model (mk1, mk2)")
	infoCmd.Flags().StringVarP(&infoFormat, "format", "f", "table", "Output format (table, json)")
}

func runInfo(cmd *cobra.Command, args []string) error {
	if infoFormat != "table" && infoFormat != "json" {
		return fmt.Errorf("invalid format %q: must be table or json", infoFormat)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := interruptibleContext(cmd)
	defer cancel()

	sess, err := openSession(ctx, cfg, logger, args[0], infoModel)
	if err != nil {
		return err
	}
	defer sess.Close()

	info, err := sess.Info()
	if err != nil {
		return err
	}
	insp, err := sess.Inspection()
	if err != nil {
		return err
	}

	if infoFormat == "json" {
		return printInfoJSON(info, insp)
	}
	return printInfoTable(info, insp)
}

// printInfoJSON emits a report whose key order is stable across runs.
func printInfoJSON(info controller.Info, insp *controller.Inspection) error {
	report := orderedmap.New[string, any]()
	report.Set("address", info.Address)
	report.Set("model", info.Model.String())
	report.Set("product", info.Identity.Product)
	report.Set("serial", info.Identity.Serial)
	report.Set("fault", hex.EncodeToString(info.Identity.Fault))
	report.Set("manufacturer", info.Identity.Manufacturer)
	report.Set("modelNumber", info.Identity.ModelNumber)
	report.Set("hardwareRevision", info.Identity.HardwareRev)
	report.Set("softwareRevision", info.Identity.SoftwareRev.String())
	report.Set("watcherCapacity", info.WatcherCapacity)

	caps := orderedmap.New[string, any]()
	for _, c := range capabilityReport(insp) {
		caps.Set(c.name, c.present)
	}
	report.Set("capabilities", caps)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func printInfoTable(info controller.Info, insp *controller.Inspection) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Address:\t%s\n", info.Address)
	fmt.Fprintf(w, "Model:\t%s\n", info.Model)
	fmt.Fprintf(w, "Product:\t%s\n", info.Identity.Product)
	fmt.Fprintf(w, "Serial:\t%s\n", info.Identity.Serial)
	fmt.Fprintf(w, "Fault:\t%s\n", hex.EncodeToString(info.Identity.Fault))
	fmt.Fprintf(w, "Manufacturer:\t%s\n", info.Identity.Manufacturer)
	fmt.Fprintf(w, "Model number:\t%s\n", info.Identity.ModelNumber)
	fmt.Fprintf(w, "Hardware rev:\t%s\n", info.Identity.HardwareRev)
	fmt.Fprintf(w, "Software rev:\t%s\n", info.Identity.SoftwareRev)
	fmt.Fprintf(w, "Watcher slots:\t%d\n", info.WatcherCapacity)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "CAPABILITY\tPRESENT")
	for _, c := range capabilityReport(insp) {
		fmt.Fprintf(w, "%s\t%v\n", c.name, c.present)
	}
	return w.Flush()
}

type capability struct {
	name    string
	present bool
}

// capabilityReport lists the optional capabilities in a stable order.
func capabilityReport(insp *controller.Inspection) []capability {
	caps := []capability{
		{"superWatcher", insp.Has(profile.ServiceController, profile.CharSuperWatcher)},
		{"uartControl", insp.Has(profile.ServiceUART, profile.CharUARTControl)},
		{"deviceInformation", insp.Has(profile.ServiceDeviceInfo, profile.CharManufacturerName)},
	}

	slots := make([]capability, 0, insp.Descriptor.Limits.MaxWatchSlots)
	for slot := 0; slot < insp.Descriptor.Limits.MaxWatchSlots; slot++ {
		key := profile.StatusCharKey(slot)
		slots = append(slots, capability{key, insp.Has(profile.ServiceController, key)})
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].name < slots[j].name })
	return append(caps, slots...)
}
