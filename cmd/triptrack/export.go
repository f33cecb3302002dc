package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"triptrack/internal/export"
	"triptrack/internal/history"
	"triptrack/internal/trip"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export [id]",
	Short: "Export one trip, or every completed trip as CSV",
	Long: `Export writes a single trip as csv, json or yaml. Without an id every
completed trip is written as one CSV document.

--output may be a file, a directory (a timestamped name is chosen) or "-" for stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "Export format: csv, json or yaml")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", ".", "Output file, directory or - for stdout")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	format, err := export.ParseFormat(exportFormat)
	if err != nil {
		return err
	}

	var id int64
	if len(args) == 1 {
		if id, err = parseTripID(args[0]); err != nil {
			return err
		}
	} else if format != export.FormatCSV {
		return fmt.Errorf("exporting all trips only supports csv")
	}

	now := time.Now()
	return withHistory(func(ctx context.Context, hist *history.Service) error {
		write := func(w io.Writer) error {
			if id == 0 {
				return hist.ExportAll(ctx, w, now)
			}
			return hist.Export(ctx, w, id, format)
		}

		if exportOutput == "-" {
			return write(cmd.OutOrStdout())
		}

		var named *trip.Trip
		if id != 0 {
			named = &trip.Trip{ID: id}
		}
		path := exportOutput
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, export.Filename(named, format, now))
		}

		if err := writeFile(path, write); err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Exported to %s\n", path)
		return nil
	})
}

// writeFile removes path again if write fails.
func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	buf := bufio.NewWriter(f)
	err = write(buf)
	if err == nil {
		err = buf.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}
