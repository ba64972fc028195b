// Package zones derives heart-rate training zones and classifies BPM samples
// against them. Classification is pure: a Settings snapshot in, a zone out.
package zones

import (
	"math"

	"github.com/pacekit/interval-coach/internal/faults"
)

// Zone is a training zone number, 1 through 5.
type Zone int

const (
	Zone1 Zone = 1
	Zone2 Zone = 2
	Zone3 Zone = 3
	Zone4 Zone = 4
	Zone5 Zone = 5
)

// Boundaries are the BPM cut points that delimit the five zones.
// Zone1Lower is the floor below which a sample is unclassified; each ZoneN
// ends at its upper bound inclusive.
type Boundaries struct {
	Zone1Lower int
	Zone1Upper int
	Zone2Upper int
	Zone3Upper int
	Zone4Upper int
	Zone5Upper int
}

// Settings is an immutable snapshot of the user's zone configuration,
// consumed per classification call.
type Settings struct {
	RestingHR    int
	MaxHR        int
	UseAutoZones bool
	Manual       Boundaries
}

// Validate reports a ConfigurationError when the settings cannot produce a
// usable set of boundaries.
func (s Settings) Validate() error {
	if s.RestingHR <= 0 {
		return &faults.ConfigurationError{Field: "restingHR", Reason: "must be positive"}
	}
	if s.MaxHR <= s.RestingHR {
		return &faults.ConfigurationError{Field: "maxHR", Reason: "must exceed restingHR"}
	}
	if s.UseAutoZones {
		return nil
	}
	b := s.Manual
	cuts := []int{b.Zone1Lower, b.Zone1Upper, b.Zone2Upper, b.Zone3Upper, b.Zone4Upper, b.Zone5Upper}
	for i := 1; i < len(cuts); i++ {
		if cuts[i] <= cuts[i-1] {
			return &faults.ConfigurationError{Field: "manualZones", Reason: "boundaries must be strictly increasing"}
		}
	}
	if b.Zone1Lower <= 0 {
		return &faults.ConfigurationError{Field: "manualZones", Reason: "zone 1 lower bound must be positive"}
	}
	return nil
}

// ComputeBoundaries resolves the effective boundaries for s. In auto mode
// they follow the Karvonen heart-rate-reserve method: zone 1 starts at 40% of
// reserve above resting, and the zone ceilings sit at 60/70/80/90/100% of
// reserve above resting.
func ComputeBoundaries(s Settings) Boundaries {
	if !s.UseAutoZones {
		return s.Manual
	}
	reserve := float64(s.MaxHR - s.RestingHR)
	above := func(frac float64) int {
		return s.RestingHR + int(math.Round(reserve*frac))
	}
	return Boundaries{
		Zone1Lower: s.RestingHR + int(math.Floor(reserve*0.40)),
		Zone1Upper: above(0.60),
		Zone2Upper: above(0.70),
		Zone3Upper: above(0.80),
		Zone4Upper: above(0.90),
		Zone5Upper: above(1.00),
	}
}

// Classify maps a BPM sample to a zone. The second return is false when the
// sample sits below the zone 1 floor. Classification saturates: anything
// above the zone 5 ceiling is still zone 5.
func Classify(bpm int, s Settings) (Zone, bool) {
	b := ComputeBoundaries(s)
	switch {
	case bpm < b.Zone1Lower:
		return 0, false
	case bpm <= b.Zone1Upper:
		return Zone1, true
	case bpm <= b.Zone2Upper:
		return Zone2, true
	case bpm <= b.Zone3Upper:
		return Zone3, true
	case bpm <= b.Zone4Upper:
		return Zone4, true
	default:
		return Zone5, true
	}
}
