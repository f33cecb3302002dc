package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"triptrack/internal/trip"
)

var start = time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)

func sampleTrip() (trip.Trip, []trip.LocationSample) {
	end := start.Add(90 * time.Second)
	altitude := 12.5
	t := trip.Trip{
		ID:            4,
		StartTime:     start,
		EndTime:       &end,
		Duration:      90 * time.Second,
		TotalDistance: 1234.567,
		AverageSpeed:  3.21,
		MaxSpeed:      8,
		Completed:     true,
		CreatedAt:     start,
	}
	samples := []trip.LocationSample{
		{ID: 1, TripID: 4, Latitude: 40.0, Longitude: -74.0, Altitude: &altitude, Speed: 5, Timestamp: start.Add(time.Second), IsMoving: true},
		{ID: 2, TripID: 4, Latitude: 40.0001, Longitude: -74.0, Speed: 0.2, Timestamp: start.Add(2 * time.Second)},
	}
	return t, samples
}

func TestCSV(t *testing.T) {
	tr, samples := sampleTrip()
	var buf bytes.Buffer
	if err := CSV(&buf, tr, samples); err != nil {
		t.Fatalf("csv: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Trip Information\n",
		"Trip ID,4\n",
		"Start Time,2024-03-09 14:30:00\n",
		"Duration (ms),90000\n",
		"Total Distance (m),1234.57\n",
		"Timestamp,Latitude,Longitude,Altitude,Speed,Accuracy,Bearing,IsMoving\n",
		"2024-03-09 14:30:01,40.000000,-74.000000,12.50,5.00,N/A,N/A,true\n",
		"2024-03-09 14:30:02,40.000100,-74.000000,N/A,0.20,N/A,N/A,false\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestCSVWithoutEndTimeOrSamples(t *testing.T) {
	tr := trip.Trip{ID: 9, StartTime: start}
	var buf bytes.Buffer
	if err := CSV(&buf, tr, nil); err != nil {
		t.Fatalf("csv: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "End Time,N/A\n") || !strings.Contains(out, "Completed,false\n") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if !strings.HasSuffix(out, "IsMoving\n") {
		t.Fatalf("expected header to be the last line:\n%s", out)
	}
}

func TestTripsCSV(t *testing.T) {
	tr, samples := sampleTrip()
	other := trip.Trip{ID: 5, StartTime: start.Add(time.Hour)}
	var buf bytes.Buffer
	err := TripsCSV(&buf, []trip.Trip{tr, other}, map[int64][]trip.LocationSample{4: samples}, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("trips csv: %v", err)
	}

	reader := csv.NewReader(strings.NewReader(buf.String()))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if records[2][0] != "Total Trips" || records[2][1] != "2" {
		t.Fatalf("unexpected count row %v", records[2])
	}
	var sections []string
	for _, r := range records {
		if strings.HasSuffix(r[0], "Location Points") {
			sections = append(sections, r[0])
		}
	}
	if len(sections) != 1 || sections[0] != "Trip 4 - Location Points" {
		t.Fatalf("expected only trip 4 samples, got %v", sections)
	}
}

func TestJSON(t *testing.T) {
	tr, samples := sampleTrip()
	var buf bytes.Buffer
	if err := JSON(&buf, tr, samples); err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded struct {
		Trip struct {
			ID         int64 `json:"id"`
			DurationMs int64 `json:"duration_ms"`
		} `json:"trip"`
		Points []trip.LocationSample `json:"location_points"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Trip.ID != 4 || decoded.Trip.DurationMs != 90000 {
		t.Fatalf("unexpected trip %+v", decoded.Trip)
	}
	if len(decoded.Points) != 2 || decoded.Points[0].Altitude == nil || *decoded.Points[0].Altitude != 12.5 {
		t.Fatalf("unexpected points %+v", decoded.Points)
	}
}

func TestJSONEmptySamplesIsArray(t *testing.T) {
	var buf bytes.Buffer
	if err := JSON(&buf, trip.Trip{ID: 1, StartTime: start}, nil); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(buf.String(), `"location_points": []`) {
		t.Fatalf("expected empty array, got %s", buf.String())
	}
}

func TestYAML(t *testing.T) {
	tr, samples := sampleTrip()
	var buf bytes.Buffer
	if err := YAML(&buf, tr, samples); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var decoded struct {
		Trip struct {
			ID         int64 `yaml:"id"`
			DurationMs int64 `yaml:"duration_ms"`
			Completed  bool  `yaml:"is_completed"`
		} `yaml:"trip"`
		Points []map[string]any `yaml:"location_points"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Trip.ID != 4 || decoded.Trip.DurationMs != 90000 || !decoded.Trip.Completed {
		t.Fatalf("unexpected trip %+v", decoded.Trip)
	}
	if len(decoded.Points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(decoded.Points))
	}
}

func TestFilenameAndContentType(t *testing.T) {
	tr, _ := sampleTrip()
	now := time.Date(2024, 3, 10, 8, 5, 9, 0, time.UTC)

	if got := Filename(&tr, FormatCSV, now); got != "trip_4_20240310_080509.csv" {
		t.Fatalf("unexpected trip filename %q", got)
	}
	if got := Filename(nil, FormatJSON, now); got != "trips_export_20240310_080509.json" {
		t.Fatalf("unexpected export filename %q", got)
	}
	if ContentType(FormatCSV) != "text/csv" || ContentType(FormatJSON) != "application/json" || ContentType(FormatYAML) != "application/yaml" {
		t.Fatalf("unexpected content types")
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"CSV": FormatCSV, " json ": FormatJSON, "yml": FormatYAML, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("parse %q: expected %s, got %s (err=%v)", in, want, got, err)
		}
	}
	if _, err := ParseFormat("gpx"); err == nil {
		t.Fatalf("expected unknown format to fail")
	}
}
