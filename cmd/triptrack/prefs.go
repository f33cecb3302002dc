package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"triptrack/internal/config"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or change tracking preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefs, err := openPrefs()
		if err != nil {
			return err
		}
		printPrefs(cmd.OutOrStdout(), prefs.Tracking())
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change tracking preferences",
	Args:  cobra.NoArgs,
	RunE:  runPrefsSet,
}

var prefsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore default tracking preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefs, err := openPrefs()
		if err != nil {
			return err
		}
		if err := prefs.Reset(); err != nil {
			return err
		}
		printPrefs(cmd.OutOrStdout(), prefs.Tracking())
		return nil
	},
}

func init() {
	flags := prefsSetCmd.Flags()
	flags.Int("interval-ms", 0, "Fix update interval in milliseconds")
	flags.Bool("background", false, "Keep tracking in the background")
	flags.Bool("auto-stop", true, "Stop automatically after a period without movement")
	flags.Int("auto-stop-minutes", 0, "Minutes without movement before auto-stop")
	flags.String("units", "", "Units system: metric or imperial")

	prefsCmd.AddCommand(prefsSetCmd)
	prefsCmd.AddCommand(prefsResetCmd)
	rootCmd.AddCommand(prefsCmd)
}

func openPrefs() (*config.Preferences, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return config.OpenPreferences(cfg.Tracking.PreferencesPath)
}

// runPrefsSet applies only the flags that were given.
func runPrefsSet(cmd *cobra.Command, args []string) error {
	prefs, err := openPrefs()
	if err != nil {
		return err
	}
	next := prefs.Tracking()
	flags := cmd.Flags()

	if flags.Changed("interval-ms") {
		next.UpdateIntervalMs, _ = flags.GetInt("interval-ms")
	}
	if flags.Changed("background") {
		next.BackgroundTrackingEnabled, _ = flags.GetBool("background")
	}
	if flags.Changed("auto-stop") {
		next.AutoStopEnabled, _ = flags.GetBool("auto-stop")
	}
	if flags.Changed("auto-stop-minutes") {
		next.AutoStopDelayMinutes, _ = flags.GetInt("auto-stop-minutes")
	}
	if flags.Changed("units") {
		next.UnitsSystem, _ = flags.GetString("units")
	}

	if err := prefs.SetTracking(next); err != nil {
		return err
	}
	printPrefs(cmd.OutOrStdout(), prefs.Tracking())
	return nil
}

func printPrefs(w io.Writer, p config.TrackingPrefs) {
	cyan := color.New(color.FgCyan, color.Bold)
	field := func(name string, value any) {
		cyan.Fprintf(w, "%-22s", name+":")
		fmt.Fprintln(w, value)
	}
	field("Update interval", p.UpdateInterval())
	field("Background tracking", p.BackgroundTrackingEnabled)
	field("Auto-stop", p.AutoStopEnabled)
	field("Auto-stop delay", p.AutoStopDelay())
	field("Units", p.UnitsSystem)
}
