package vitals

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestNormalizeFlatSeries(t *testing.T) {
	payload := []byte(`{
		"activities-steps": [
			{"dateTime": "2024-03-01", "value": "8421"},
			{"dateTime": "2024-03-02", "value": "10233"},
			{"dateTime": "2024-03-03", "value": "5602"}
		]
	}`)

	got, err := Normalize(TypeSteps, payload)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 measurements, got %d", len(got))
	}

	want := Measurement{
		Type:      TypeSteps,
		Value:     8421,
		Unit:      "steps",
		Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Origin:    OriginAutomatic,
	}
	if got[0] != want {
		t.Fatalf("first measurement mismatch:\n got %+v\nwant %+v", got[0], want)
	}
	if got[2].Value != 5602 {
		t.Fatalf("expected last value 5602, got %v", got[2].Value)
	}
}

func TestNormalizeEmptySeriesIsNotAnError(t *testing.T) {
	got, err := Normalize(TypeSteps, []byte(`{"activities-steps": []}`))
	if err != nil {
		t.Fatalf("empty series must not error, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty series, got %d entries", len(got))
	}
}

func TestNormalizeShapeMismatch(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		payload string
	}{
		{name: "missing series key", typ: TypeSteps, payload: `{"activities-heart": []}`},
		{name: "series not a list", typ: TypeSteps, payload: `{"activities-steps": {"dateTime": "x"}}`},
		{name: "not an object", typ: TypeSteps, payload: `[1, 2, 3]`},
		{name: "bad dateTime", typ: TypeSteps, payload: `{"activities-steps": [{"dateTime": "yesterday", "value": "1"}]}`},
		{name: "non-numeric value", typ: TypeSteps, payload: `{"activities-steps": [{"dateTime": "2024-03-01", "value": "lots"}]}`},
		{name: "sleep missing log list", typ: TypeSleep, payload: `{"summary": {"totalMinutesAsleep": 400}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.typ, []byte(tt.payload))
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("expected *ParseError, got %v", err)
			}
			if parseErr.Type != tt.typ {
				t.Fatalf("expected error for type %s, got %s", tt.typ, parseErr.Type)
			}
		})
	}
}

func TestNormalizeHeartRateObjectValues(t *testing.T) {
	payload := []byte(`{
		"activities-heart": [
			{"dateTime": "2024-03-01", "value": {"restingHeartRate": 62}},
			{"dateTime": "2024-03-02", "value": {"heartRateZones": []}},
			{"dateTime": "2024-03-03", "value": {"restingHeartRate": 59}}
		]
	}`)

	got, err := Normalize(TypeHeartRate, payload)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	// The day without a resting value is a gap, not a zero.
	if len(got) != 2 {
		t.Fatalf("expected 2 measurements, got %d", len(got))
	}
	if got[0].Value != 62 || got[0].Unit != "bpm" {
		t.Fatalf("unexpected first measurement: %+v", got[0])
	}
	if got[1].Value != 59 {
		t.Fatalf("unexpected second measurement: %+v", got[1])
	}
}

func TestNormalizeSleepNestedSummary(t *testing.T) {
	payload := []byte(`{
		"sleep": [
			{"dateTime": "2024-03-01", "minutesAsleep": 432, "logType": "auto_detected", "isMainSleep": true},
			{"dateTime": "2024-03-02", "minutesAsleep": 390, "logType": "manual", "isMainSleep": true}
		],
		"summary": {"totalMinutesAsleep": 822, "totalSleepRecords": 2, "totalTimeInBed": 900}
	}`)

	got, err := Normalize(TypeSleep, payload)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 measurements, got %d", len(got))
	}
	if got[0].Origin != OriginAutomatic {
		t.Fatalf("expected automatic origin, got %s", got[0].Origin)
	}
	if got[1].Origin != OriginManual {
		t.Fatalf("expected manual origin for manual log, got %s", got[1].Origin)
	}
	if got[0].Value != 432 || got[0].Unit != "min" {
		t.Fatalf("unexpected sleep measurement: %+v", got[0])
	}
}

func TestNormalizeSleepEmptyLogList(t *testing.T) {
	got, err := Normalize(TypeSleep, []byte(`{"sleep": [], "summary": {"totalMinutesAsleep": 0}}`))
	if err != nil {
		t.Fatalf("empty sleep list must not error, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no measurements, got %d", len(got))
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	payload := []byte(`{
		"activities-distance": [
			{"dateTime": "2024-03-01", "value": "5.32"},
			{"dateTime": "2024-03-02", "value": "0"}
		]
	}`)

	first, err := Normalize(TypeDistance, payload)
	if err != nil {
		t.Fatalf("first normalize: %v", err)
	}
	second, err := Normalize(TypeDistance, payload)
	if err != nil {
		t.Fatalf("second normalize: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("normalize is not idempotent:\n first %+v\nsecond %+v", first, second)
	}
}

func TestNormalizeUnsupportedType(t *testing.T) {
	if _, err := Normalize(Type("blood_type"), []byte(`{}`)); err == nil {
		t.Fatal("expected error for unregistered vital type")
	}
}

func TestRegistryPathTemplates(t *testing.T) {
	r := DateRange{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC),
	}

	desc, ok := Lookup(TypeHeartRate)
	if !ok {
		t.Fatal("heart_rate not registered")
	}
	want := "/1/user/-/activities/heart/date/2024-03-01/2024-03-07.json"
	if got := desc.Path(r); got != want {
		t.Fatalf("path mismatch: got %s want %s", got, want)
	}

	if got := len(Supported()); got != 6 {
		t.Fatalf("expected 6 registered types, got %d", got)
	}
}

func TestParseDateRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		wantErr    bool
	}{
		{name: "valid", start: "2024-03-01", end: "2024-03-07"},
		{name: "same day", start: "2024-03-01", end: "2024-03-01"},
		{name: "end before start", start: "2024-03-07", end: "2024-03-01", wantErr: true},
		{name: "garbage", start: "last week", end: "2024-03-01", wantErr: true},
		{name: "empty", start: "", end: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDateRange(tt.start, tt.end)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDateRange(%q, %q) error = %v, wantErr %v", tt.start, tt.end, err, tt.wantErr)
			}
		})
	}
}
