package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/sensorgate/internal/api"
	"github.com/kalambet/sensorgate/internal/config"
	"github.com/kalambet/sensorgate/internal/registry"
)

// --- device ---

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Register and manage devices on the running gateway",
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register <external-id>",
	Short: "Register a device",
	Long: `Register a device with the running gateway. Registering an existing
device with the same type is a no-op.

Examples:
  sensorgate device register bms-house --type battery --address 3 --name "House bank"
  sensorgate device register ws-roof --type weather --location roof`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		if typ == "" {
			return fmt.Errorf("--type is required")
		}
		req := registry.Registration{ExternalID: args[0], Type: typ}
		req.Name, _ = cmd.Flags().GetString("name")
		req.Location, _ = cmd.Flags().GetString("location")
		if cmd.Flags().Changed("address") {
			addr, _ := cmd.Flags().GetInt("address")
			req.BusAddress = &addr
		}
		meta, _ := cmd.Flags().GetStringToString("meta")
		if len(meta) > 0 {
			req.Metadata = meta
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		d, err := registerDevice(cmd, client, req)
		if err != nil {
			return err
		}
		printSuccess("Registered %s (%s) as device %d", d.ExternalID, d.Type, d.ID)
		return nil
	},
}

func registerDevice(cmd *cobra.Command, client *apiClient, req registry.Registration) (api.Device, error) {
	var d api.Device
	resp, err := client.post(cmd.Context(), "/devices", req)
	if err != nil {
		return d, err
	}
	err = decodeJSON(resp, &d)
	return d, err
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		devices, err := listDevices(cmd, client)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			printWarning("No devices registered")
			return nil
		}
		writeDeviceTable(cmd.OutOrStdout(), devices)
		return nil
	},
}

func listDevices(cmd *cobra.Command, client *apiClient) ([]api.Device, error) {
	q := url.Values{}
	if typ, _ := cmd.Flags().GetString("type"); typ != "" {
		q.Set("type", typ)
	}
	if enabled, _ := cmd.Flags().GetBool("enabled-only"); enabled {
		q.Set("enabled_only", "true")
	}
	path := "/devices"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := client.get(cmd.Context(), path)
	if err != nil {
		return nil, err
	}
	var devices []api.Device
	err = decodeJSON(resp, &devices)
	return devices, err
}

func writeDeviceTable(w io.Writer, devices []api.Device) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEXTERNAL ID\tTYPE\tENABLED\tONLINE\tERRORS\tLAST SEEN")
	for _, d := range devices {
		lastSeen := "never"
		if d.LastSeen != nil {
			lastSeen = d.LastSeen.Local().Format(time.DateTime)
		}
		online := colorize(colorGreen, "yes")
		if !d.Online {
			online = colorize(colorRed, "no")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%d\t%s\n", d.ID, d.ExternalID, d.Type, d.Enabled, online, d.ErrorCount, lastSeen)
	}
	tw.Flush()
}

var deviceShowCmd = &cobra.Command{
	Use:   "show <external-id>",
	Short: "Show one device as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/devices/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var d api.Device
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	},
}

func setEnabledCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <external-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.patch(cmd.Context(), "/devices/"+url.PathEscape(args[0]), api.DevicePatch{Enabled: &enabled})
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Device %s %sd", args[0], use)
			return nil
		},
	}
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "remove <external-id>",
	Short: "Remove a device and all of its readings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes %s and every reading it produced, uploaded or not. Use --confirm to proceed.", args[0])
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/devices/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Removed device %s", args[0])
		return nil
	},
}

func init() {
	deviceRegisterCmd.Flags().String("type", "", "device type (battery, weather, energy-meter, generic-mqtt)")
	deviceRegisterCmd.Flags().String("name", "", "display name")
	deviceRegisterCmd.Flags().String("location", "", "installation location")
	deviceRegisterCmd.Flags().Int("address", 0, "bus address on the local serial bus")
	deviceRegisterCmd.Flags().StringToString("meta", nil, "extra metadata as key=value pairs")
	deviceListCmd.Flags().String("type", "", "only devices of this type")
	deviceListCmd.Flags().Bool("enabled-only", false, "hide disabled devices")
	deviceRemoveCmd.Flags().Bool("confirm", false, "confirm removal")

	deviceCmd.AddCommand(deviceRegisterCmd)
	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceShowCmd)
	deviceCmd.AddCommand(setEnabledCmd("enable", "Resume acquisition for a device", true))
	deviceCmd.AddCommand(setEnabledCmd("disable", "Stop acquisition for a device", false))
	deviceCmd.AddCommand(deviceRemoveCmd)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway, worker and backlog status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		st, err := fetchStatus(cmd, client)
		if err != nil {
			printStatus("Server", "stopped")
			return err
		}
		writeStatus(cmd.OutOrStdout(), st)

		if n, _ := cmd.Flags().GetInt("uploads"); n > 0 {
			resp, err := client.get(cmd.Context(), "/uploads?limit="+strconv.Itoa(n))
			if err != nil {
				return err
			}
			var attempts []api.UploadAttempt
			if err := decodeJSON(resp, &attempts); err != nil {
				return err
			}
			writeAttempts(cmd.OutOrStdout(), attempts)
		}
		return nil
	},
}

func fetchStatus(cmd *cobra.Command, client *apiClient) (api.Status, error) {
	var st api.Status
	resp, err := client.get(cmd.Context(), "/status")
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
}

func writeStatus(w io.Writer, st api.Status) {
	fmt.Fprintf(w, "%s %s (schema v%d)\n", colorize(colorBold, "Gateway:"), st.GatewayID, st.SchemaVersion)
	fmt.Fprintf(w, "%s %d   %s %d   %s %d\n",
		colorize(colorBold, "Devices:"), st.Devices,
		colorize(colorBold, "Pending:"), st.Pending,
		colorize(colorBold, "Uploaded:"), st.Uploaded)

	if len(st.ByType) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "\nTYPE\tPENDING\tUPLOADED\tOLDEST PENDING")
		for _, ts := range st.ByType {
			oldest := "-"
			if ts.OldestPending != nil {
				oldest = time.Since(*ts.OldestPending).Round(time.Second).String() + " ago"
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", ts.DeviceType, ts.Pending, ts.Uploaded, oldest)
		}
		tw.Flush()
	}

	if len(st.Workers) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "\nWORKER\tSTATE\tRESTARTS\tLAST ERROR")
		for _, ws := range st.Workers {
			state := ws.State.String()
			if state != "running" {
				state = colorize(colorYellow, state)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ws.Name, state, ws.Restarts, ws.LastError)
		}
		tw.Flush()
	}

	if u := st.Upload; u != nil {
		fmt.Fprintf(w, "\n%s %s", colorize(colorBold, "Upload:"), u.State)
		if u.ConsecutiveFailures > 0 {
			fmt.Fprintf(w, ", %s", colorize(colorRed, fmt.Sprintf("%d consecutive failures (%s)", u.ConsecutiveFailures, u.LastError)))
		}
		if !u.NextAttempt.IsZero() {
			fmt.Fprintf(w, ", next attempt %s", u.NextAttempt.Local().Format(time.TimeOnly))
		}
		fmt.Fprintln(w)
	}
}

func writeAttempts(w io.Writer, attempts []api.UploadAttempt) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nATTEMPTED\tBATCH\tTYPE\tSTATUS\tRECORDS\tACCEPTED\tDETAIL")
	for _, a := range attempts {
		detail := a.ErrorDetail
		if a.StatusCode != 0 {
			detail = strings.TrimSpace(fmt.Sprintf("HTTP %d %s", a.StatusCode, detail))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			a.AttemptedAt.Local().Format(time.DateTime), a.BatchID, a.DataType, a.Status, a.RecordCount, a.AcceptedCount, detail)
	}
	tw.Flush()
}

func init() {
	statusCmd.Flags().Int("uploads", 0, "also show the N most recent upload attempts")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file. Valid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
