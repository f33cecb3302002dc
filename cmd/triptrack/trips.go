package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"triptrack/internal/history"
	"triptrack/internal/trip"
)

var completedOnly bool

var tripsCmd = &cobra.Command{
	Use:   "trips",
	Short: "List recorded trips",
	Args:  cobra.NoArgs,
	RunE:  runTrips,
}

var tripsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one trip with its stops",
	Args:  cobra.ExactArgs(1),
	RunE:  runTripsShow,
}

var tripsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a completed trip and its samples",
	Args:  cobra.ExactArgs(1),
	RunE:  runTripsDelete,
}

func init() {
	tripsCmd.Flags().BoolVar(&completedOnly, "completed", false, "Only list completed trips")
	tripsCmd.AddCommand(tripsShowCmd)
	tripsCmd.AddCommand(tripsDeleteCmd)
	rootCmd.AddCommand(tripsCmd)
}

// withHistory opens storage with a quiet logger and hands a history service
// to fn.
func withHistory(fn func(ctx context.Context, hist *history.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	ctx := context.Background()
	store, closeStore, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStore()

	hist, err := history.New(store, cfg.Tracking.HistoryCacheSize, logger)
	if err != nil {
		return err
	}
	return fn(ctx, hist)
}

func runTrips(cmd *cobra.Command, args []string) error {
	return withHistory(func(ctx context.Context, hist *history.Service) error {
		trips, err := hist.List(ctx, completedOnly)
		if err != nil {
			return err
		}
		totals, err := hist.Totals(ctx)
		if err != nil {
			return err
		}
		printTrips(cmd.OutOrStdout(), trips, totals)
		return nil
	})
}

func runTripsShow(cmd *cobra.Command, args []string) error {
	id, err := parseTripID(args[0])
	if err != nil {
		return err
	}
	return withHistory(func(ctx context.Context, hist *history.Service) error {
		detail, err := hist.Detail(ctx, id)
		if err != nil {
			return err
		}
		printDetail(cmd.OutOrStdout(), detail)
		return nil
	})
}

func runTripsDelete(cmd *cobra.Command, args []string) error {
	id, err := parseTripID(args[0])
	if err != nil {
		return err
	}
	return withHistory(func(ctx context.Context, hist *history.Service) error {
		if err := hist.Delete(ctx, id); err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Deleted trip %d\n", id)
		return nil
	})
}

func printTrips(w io.Writer, trips []trip.Trip, totals history.Totals) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if len(trips) == 0 {
		yellow.Fprintln(w, "No trips recorded")
		return
	}

	cyan.Fprintf(w, "%-6s %-20s %-12s %-10s %-12s %-12s\n", "ID", "Started", "Duration", "Distance", "Avg speed", "Max speed")
	for _, t := range trips {
		row := fmt.Sprintf("%-6d %-20s %-12s %-10s %-12s %-12s",
			t.ID,
			t.StartTime.Local().Format("2006-01-02 15:04"),
			trip.FormatDuration(t.Duration),
			trip.FormatDistance(t.TotalDistance),
			trip.FormatSpeed(t.AverageSpeed),
			trip.FormatSpeed(t.MaxSpeed),
		)
		if t.Completed {
			green.Fprintln(w, row)
		} else {
			yellow.Fprintln(w, row+" (recording)")
		}
	}

	fmt.Fprintln(w)
	cyan.Fprint(w, "Trips: ")
	fmt.Fprintln(w, totals.TripCount)
	cyan.Fprint(w, "Total distance: ")
	fmt.Fprintln(w, trip.FormatDistance(totals.TotalDistance))
	cyan.Fprint(w, "Average speed: ")
	fmt.Fprintln(w, trip.FormatSpeed(totals.AverageSpeed))
}

func printDetail(w io.Writer, d history.Detail) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)

	field := func(name, value string) {
		cyan.Fprintf(w, "%-16s", name+":")
		fmt.Fprintln(w, value)
	}
	field("Trip", strconv.FormatInt(d.Trip.ID, 10))
	field("Started", d.Trip.StartTime.Local().Format("2006-01-02 15:04:05"))
	if d.Trip.EndTime != nil {
		field("Ended", d.Trip.EndTime.Local().Format("2006-01-02 15:04:05"))
	}
	field("Duration", trip.FormatDuration(d.Trip.Duration))
	field("Distance", trip.FormatDistance(d.Trip.TotalDistance))
	field("Average speed", trip.FormatSpeed(d.Trip.AverageSpeed))
	field("Max speed", trip.FormatSpeed(d.Trip.MaxSpeed))
	field("Samples", fmt.Sprintf("%d (%d moving)", d.SampleCount, d.MovingSamples))
	field("Stopped", trip.FormatDuration(d.StoppedTime))

	if len(d.Stops) == 0 {
		return
	}
	fmt.Fprintln(w)
	yellow.Fprintln(w, "Stops")
	for _, s := range d.Stops {
		fmt.Fprintf(w, "  %s  %s  %s\n",
			s.Start.Local().Format("15:04:05"),
			trip.FormatCoordinates(s.Lat, s.Lon),
			trip.FormatDuration(s.Duration),
		)
	}
}

func parseTripID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid trip id %q", arg)
	}
	return id, nil
}
