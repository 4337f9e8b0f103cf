package vitals

import (
	"fmt"
	"time"
)

// Type identifies a vital-sign category with its own upstream data shape.
type Type string

const (
	TypeHeartRate Type = "heart_rate"
	TypeSteps     Type = "steps"
	TypeCalories  Type = "calories"
	TypeDistance  Type = "distance"
	TypeFloors    Type = "floors"
	TypeSleep     Type = "sleep"
)

// Origin records whether a measurement was logged by hand or captured by the
// device.
type Origin string

const (
	OriginManual    Origin = "manual"
	OriginAutomatic Origin = "automatic"
)

// Measurement is the canonical, platform-agnostic representation of one data
// point. Immutable once produced by normalization.
type Measurement struct {
	Type      Type      `json:"type"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
	Origin    Origin    `json:"origin"`
}

// DateRange is an inclusive day range for a series request.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

const dateLayout = "2006-01-02"

// ParseDateRange parses "2006-01-02" formatted bounds.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return DateRange{}, fmt.Errorf("invalid start date %q: %w", start, err)
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return DateRange{}, fmt.Errorf("invalid end date %q: %w", end, err)
	}
	if e.Before(s) {
		return DateRange{}, fmt.Errorf("end date %s before start date %s", end, start)
	}
	return DateRange{Start: s, End: e}, nil
}

// StartString returns the range start formatted for upstream URLs.
func (r DateRange) StartString() string { return r.Start.Format(dateLayout) }

// EndString returns the range end formatted for upstream URLs.
func (r DateRange) EndString() string { return r.End.Format(dateLayout) }

// ParseError signals that an upstream payload did not match the shape
// registered for its vital type. Distinct from "no data for the period",
// which is an empty series and not an error.
type ParseError struct {
	Type   Type
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("vitals: cannot parse %s payload: %s", e.Type, e.Reason)
}
