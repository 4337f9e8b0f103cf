package vitals

import (
	"fmt"
	"sort"
	"sync"
)

// ParseFunc converts one raw upstream payload into canonical measurements.
// A payload covering a period with no data yields an empty slice, not an
// error; a payload whose shape does not match yields *ParseError.
type ParseFunc func(raw []byte) ([]Measurement, error)

// Descriptor registers everything the engine needs to know about one vital
// type: its canonical unit, the upstream resource it is fetched from, and
// the strategy that parses the response.
type Descriptor struct {
	Type Type
	Unit string
	// PathTemplate is the upstream request path with two %s verbs for the
	// start and end dates, e.g. "/1/user/-/activities/steps/date/%s/%s.json".
	PathTemplate string
	Parse        ParseFunc
}

// Path renders the upstream request path for a date range.
func (d Descriptor) Path(r DateRange) string {
	return fmt.Sprintf(d.PathTemplate, r.StartString(), r.EndString())
}

var (
	registryMu sync.RWMutex
	registry   = map[Type]Descriptor{}
)

// Register adds a vital type to the registry. Registering an already-known
// type replaces its descriptor; the orchestrator never needs to change.
func Register(d Descriptor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Type] = d
}

// Lookup returns the descriptor for a vital type.
func Lookup(t Type) (Descriptor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[t]
	return d, ok
}

// Supported returns all registered vital types, sorted for stable output.
func Supported() []Type {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Normalize dispatches a raw payload to the strategy registered for the
// vital type.
func Normalize(t Type, raw []byte) ([]Measurement, error) {
	d, ok := Lookup(t)
	if !ok {
		return nil, fmt.Errorf("vitals: unsupported vital type %q", t)
	}
	return d.Parse(raw)
}

func init() {
	Register(Descriptor{
		Type:         TypeHeartRate,
		Unit:         "bpm",
		PathTemplate: "/1/user/-/activities/heart/date/%s/%s.json",
		Parse:        flatSeries(TypeHeartRate, "bpm", "activities-heart", "restingHeartRate"),
	})
	Register(Descriptor{
		Type:         TypeSteps,
		Unit:         "steps",
		PathTemplate: "/1/user/-/activities/steps/date/%s/%s.json",
		Parse:        flatSeries(TypeSteps, "steps", "activities-steps", ""),
	})
	Register(Descriptor{
		Type:         TypeCalories,
		Unit:         "kcal",
		PathTemplate: "/1/user/-/activities/calories/date/%s/%s.json",
		Parse:        flatSeries(TypeCalories, "kcal", "activities-calories", ""),
	})
	Register(Descriptor{
		Type:         TypeDistance,
		Unit:         "km",
		PathTemplate: "/1/user/-/activities/distance/date/%s/%s.json",
		Parse:        flatSeries(TypeDistance, "km", "activities-distance", ""),
	})
	Register(Descriptor{
		Type:         TypeFloors,
		Unit:         "floors",
		PathTemplate: "/1/user/-/activities/floors/date/%s/%s.json",
		Parse:        flatSeries(TypeFloors, "floors", "activities-floors", ""),
	})
	Register(Descriptor{
		Type:         TypeSleep,
		Unit:         "min",
		PathTemplate: "/1.2/user/-/sleep/date/%s/%s.json",
		Parse:        nestedSleepSummary(TypeSleep, "min"),
	})
}
