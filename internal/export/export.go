package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"triptrack/internal/trip"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

const timeLayout = "2006-01-02 15:04:05"

var sampleHeader = []string{"Timestamp", "Latitude", "Longitude", "Altitude", "Speed", "Accuracy", "Bearing", "IsMoving"}

// ParseFormat accepts a format name in any case.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatCSV, FormatJSON, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown export format %q", name)
	}
}

func (f Format) Extension() string {
	return "." + string(f)
}

// ContentType returns the MIME type for f.
func ContentType(f Format) string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	default:
		return "application/octet-stream"
	}
}

// Filename names an export file. A nil trip names a multi-trip export.
func Filename(t *trip.Trip, f Format, now time.Time) string {
	stamp := now.Format("20060102_150405")
	if t == nil {
		return "trips_export_" + stamp + f.Extension()
	}
	return fmt.Sprintf("trip_%d_%s%s", t.ID, stamp, f.Extension())
}

// CSV writes a trip information block followed by its samples.
func CSV(w io.Writer, t trip.Trip, samples []trip.LocationSample) error {
	cw := csv.NewWriter(w)
	rows := [][]string{
		{"Trip Information"},
		{"Trip ID", strconv.FormatInt(t.ID, 10)},
		{"Start Time", t.StartTime.Format(timeLayout)},
		{"End Time", formatEnd(t.EndTime)},
		{"Duration (ms)", strconv.FormatInt(t.DurationMillis(), 10)},
		{"Total Distance (m)", fixed(t.TotalDistance, 2)},
		{"Average Speed (m/s)", fixed(t.AverageSpeed, 2)},
		{"Max Speed (m/s)", fixed(t.MaxSpeed, 2)},
		{"Completed", strconv.FormatBool(t.Completed)},
		{},
		{"Location Points"},
		sampleHeader,
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	if err := writeSamples(cw, samples); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// TripsCSV writes a summary of trips followed by the samples of every trip
// that has any.
func TripsCSV(w io.Writer, trips []trip.Trip, samplesByTrip map[int64][]trip.LocationSample, now time.Time) error {
	cw := csv.NewWriter(w)
	rows := [][]string{
		{"Trips Summary"},
		{"Export Date", now.Format(timeLayout)},
		{"Total Trips", strconv.Itoa(len(trips))},
		{},
		{"ID", "Start Time", "End Time", "Duration (ms)", "Distance (m)", "Avg Speed (m/s)", "Max Speed (m/s)", "Completed"},
	}
	for _, t := range trips {
		rows = append(rows, []string{
			strconv.FormatInt(t.ID, 10),
			t.StartTime.Format(timeLayout),
			formatEnd(t.EndTime),
			strconv.FormatInt(t.DurationMillis(), 10),
			fixed(t.TotalDistance, 2),
			fixed(t.AverageSpeed, 2),
			fixed(t.MaxSpeed, 2),
			strconv.FormatBool(t.Completed),
		})
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}

	for _, t := range trips {
		samples := samplesByTrip[t.ID]
		if len(samples) == 0 {
			continue
		}
		if err := cw.Write(nil); err != nil {
			return err
		}
		if err := cw.Write([]string{fmt.Sprintf("Trip %d - Location Points", t.ID)}); err != nil {
			return err
		}
		if err := cw.Write(sampleHeader); err != nil {
			return err
		}
		if err := writeSamples(cw, samples); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type document struct {
	Trip    trip.Trip             `json:"trip" yaml:"trip"`
	Samples []trip.LocationSample `json:"location_points" yaml:"location_points"`
}

// JSON writes the trip and its samples as one indented document.
func JSON(w io.Writer, t trip.Trip, samples []trip.LocationSample) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newDocument(t, samples))
}

// YAML writes the same document as JSON.
func YAML(w io.Writer, t trip.Trip, samples []trip.LocationSample) error {
	type yamlTrip struct {
		trip.Trip  `yaml:",inline"`
		DurationMs int64 `yaml:"duration_ms"`
	}
	doc := newDocument(t, samples)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	err := enc.Encode(struct {
		Trip    yamlTrip              `yaml:"trip"`
		Samples []trip.LocationSample `yaml:"location_points"`
	}{Trip: yamlTrip{Trip: doc.Trip, DurationMs: t.DurationMillis()}, Samples: doc.Samples})
	if err != nil {
		return err
	}
	return enc.Close()
}

// Write dispatches on f.
func Write(w io.Writer, f Format, t trip.Trip, samples []trip.LocationSample) error {
	switch f {
	case FormatCSV:
		return CSV(w, t, samples)
	case FormatJSON:
		return JSON(w, t, samples)
	case FormatYAML:
		return YAML(w, t, samples)
	default:
		return fmt.Errorf("unknown export format %q", f)
	}
}

func newDocument(t trip.Trip, samples []trip.LocationSample) document {
	if samples == nil {
		samples = []trip.LocationSample{}
	}
	return document{Trip: t, Samples: samples}
}

func writeSamples(cw *csv.Writer, samples []trip.LocationSample) error {
	for _, s := range samples {
		err := cw.Write([]string{
			s.Timestamp.Format(timeLayout),
			fixed(s.Latitude, 6),
			fixed(s.Longitude, 6),
			optional(s.Altitude),
			fixed(s.Speed, 2),
			optional(s.Accuracy),
			optional(s.Bearing),
			strconv.FormatBool(s.IsMoving),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func fixed(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

func optional(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return fixed(*v, 2)
}

func formatEnd(t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	return t.Format(timeLayout)
}
