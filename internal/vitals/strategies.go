package vitals

import (
	"encoding/json"
	"fmt"
	"time"
)

// Upstream APIs return vital data in two incompatible shapes. Flat time
// series wrap a list of {dateTime, value} pairs under a type-specific key:
//
//	{"activities-steps": [{"dateTime": "2024-03-01", "value": "8421"}]}
//
// Composite types nest per-record fields plus an aggregate summary:
//
//	{"sleep": [...logs...], "summary": {"totalMinutesAsleep": 432, ...}}
//
// Each strategy is a pure function over the raw payload; nothing outside
// this package may assume a provider shape.

type flatEntry struct {
	DateTime string          `json:"dateTime"`
	Value    json.RawMessage `json:"value"`
}

// flatSeries builds a ParseFunc for list-of-pairs payloads. valueField is
// consulted when the entry value is an object rather than a plain number
// (heart rate reports an object carrying restingHeartRate).
func flatSeries(t Type, unit, seriesKey, valueField string) ParseFunc {
	return func(raw []byte) ([]Measurement, error) {
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, &ParseError{Type: t, Reason: "payload is not a JSON object"}
		}

		seriesRaw, ok := payload[seriesKey]
		if !ok {
			return nil, &ParseError{Type: t, Reason: fmt.Sprintf("missing series key %q", seriesKey)}
		}

		var entries []flatEntry
		if err := json.Unmarshal(seriesRaw, &entries); err != nil {
			return nil, &ParseError{Type: t, Reason: fmt.Sprintf("series %q is not a list", seriesKey)}
		}

		measurements := make([]Measurement, 0, len(entries))
		for i, entry := range entries {
			ts, err := time.Parse(dateLayout, entry.DateTime)
			if err != nil {
				return nil, &ParseError{Type: t, Reason: fmt.Sprintf("entry %d has invalid dateTime %q", i, entry.DateTime)}
			}

			value, err := parseEntryValue(entry.Value, valueField)
			if err != nil {
				return nil, &ParseError{Type: t, Reason: fmt.Sprintf("entry %d: %v", i, err)}
			}
			// Days without a resting value are reported as gaps, not zeros.
			if value == nil {
				continue
			}

			measurements = append(measurements, Measurement{
				Type:      t,
				Value:     *value,
				Unit:      unit,
				Timestamp: ts,
				Origin:    OriginAutomatic,
			})
		}
		return measurements, nil
	}
}

// parseEntryValue accepts the three value encodings seen in the wild:
// quoted numbers, bare numbers, and objects carrying the number under
// valueField. Returns nil (no error) when an object omits the field.
func parseEntryValue(raw json.RawMessage, valueField string) (*float64, error) {
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return &num, nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if _, convErr := fmt.Sscanf(str, "%f", &num); convErr != nil {
			return nil, fmt.Errorf("value %q is not numeric", str)
		}
		return &num, nil
	}

	if valueField != "" {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err == nil {
			fieldRaw, ok := obj[valueField]
			if !ok {
				return nil, nil
			}
			if err := json.Unmarshal(fieldRaw, &num); err != nil {
				return nil, fmt.Errorf("field %q is not numeric", valueField)
			}
			return &num, nil
		}
	}

	return nil, fmt.Errorf("unrecognized value encoding")
}

type sleepLog struct {
	DateTime      string `json:"dateTime"`
	MinutesAsleep *int   `json:"minutesAsleep"`
	LogType       string `json:"logType"`
	IsMainSleep   bool   `json:"isMainSleep"`
}

type sleepPayload struct {
	Sleep   *[]sleepLog `json:"sleep"`
	Summary *struct {
		TotalMinutesAsleep int `json:"totalMinutesAsleep"`
		TotalSleepRecords  int `json:"totalSleepRecords"`
		TotalTimeInBed     int `json:"totalTimeInBed"`
	} `json:"summary"`
}

// nestedSleepSummary builds the ParseFunc for the composite sleep shape:
// one measurement per sleep log, minutes asleep as the value, origin taken
// from the provider's logType.
func nestedSleepSummary(t Type, unit string) ParseFunc {
	return func(raw []byte) ([]Measurement, error) {
		var payload sleepPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, &ParseError{Type: t, Reason: "payload is not a JSON object"}
		}
		if payload.Sleep == nil {
			return nil, &ParseError{Type: t, Reason: `missing "sleep" log list`}
		}

		measurements := make([]Measurement, 0, len(*payload.Sleep))
		for i, entry := range *payload.Sleep {
			ts, err := time.Parse(dateLayout, entry.DateTime)
			if err != nil {
				return nil, &ParseError{Type: t, Reason: fmt.Sprintf("log %d has invalid dateTime %q", i, entry.DateTime)}
			}
			if entry.MinutesAsleep == nil {
				return nil, &ParseError{Type: t, Reason: fmt.Sprintf("log %d missing minutesAsleep", i)}
			}

			origin := OriginAutomatic
			if entry.LogType == "manual" {
				origin = OriginManual
			}

			measurements = append(measurements, Measurement{
				Type:      t,
				Value:     float64(*entry.MinutesAsleep),
				Unit:      unit,
				Timestamp: ts,
				Origin:    origin,
			})
		}
		return measurements, nil
	}
}
