package schedule

import (
	"math/rand"
	"time"
)

// DefaultInterval is the gap between pings when none is configured.
const DefaultInterval = 45 * time.Minute

// DecisionKind enumerates planner outcomes.
type DecisionKind int

const (
	NoAction DecisionKind = iota
	Schedule
	Cancel
)

func (k DecisionKind) String() string {
	switch k {
	case NoAction:
		return "no_action"
	case Schedule:
		return "schedule"
	case Cancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Decision is the planner output. At and Seed are only meaningful for Schedule.
type Decision struct {
	Kind DecisionKind
	At   time.Time
	Seed int64
	// Reason is a short tag for logs ("toggle_on", "upgrade", "unset", "stale").
	Reason string
}

// Apply returns the state that results from carrying out d.
// Schedule stamps InstalledVersion with manifestVersion and marks the
// tracker running; Cancel stops it and clears next+seed together.
func (d Decision) Apply(s State, manifestVersion int) State {
	switch d.Kind {
	case Schedule:
		s.Running = true
		s.NextFireAt = d.At
		s.Seed = d.Seed
		s.InstalledVersion = manifestVersion
	case Cancel:
		s.Running = false
		s.NextFireAt = time.Time{}
		s.Seed = 0
	}
	return s
}

// SeedSource produces the random seed handed to the ping logic.
// Implementations must never return 0.
type SeedSource interface {
	NextSeed() int64
}

// SeedFunc adapts a function to SeedSource.
type SeedFunc func() int64

func (f SeedFunc) NextSeed() int64 { return f() }

// RandomSeeds draws positive non-zero seeds from math/rand.
var RandomSeeds SeedSource = SeedFunc(func() int64 {
	for {
		if n := rand.Int63(); n != 0 {
			return n
		}
	}
})

// Planner decides whether a reminder must be (re)armed.
// The zero value uses DefaultInterval and RandomSeeds.
type Planner struct {
	Interval time.Duration
	Seeds    SeedSource
}

func (p Planner) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultInterval
	}
	return p.Interval
}

func (p Planner) seed() int64 {
	src := p.Seeds
	if src == nil {
		src = RandomSeeds
	}
	n := src.NextSeed()
	if n == 0 {
		n = RandomSeeds.NextSeed()
	}
	return n
}

// Plan is pure apart from drawing a seed for Schedule decisions.
func (p Planner) Plan(s State, now time.Time, manifestVersion int, t Trigger) Decision {
	switch t {
	case ToggleOff:
		return Decision{Kind: Cancel, Reason: "toggle_off"}
	case ToggleOn:
		return p.schedule(now, "toggle_on")
	}

	reason := staleness(s, now, manifestVersion)
	if reason == "" || !s.Running {
		return Decision{Kind: NoAction, Reason: reason}
	}
	return p.schedule(now, reason)
}

func (p Planner) schedule(now time.Time, reason string) Decision {
	return Decision{
		Kind:   Schedule,
		At:     now.Add(p.interval()),
		Seed:   p.seed(),
		Reason: reason,
	}
}

// staleness returns why s needs a new schedule, or "" if it does not.
func staleness(s State, now time.Time, manifestVersion int) string {
	switch {
	case s.InstalledVersion < manifestVersion:
		return "upgrade"
	case !s.HasNext():
		return "next_unset"
	case !s.HasSeed():
		return "seed_unset"
	case !s.NextFireAt.After(now):
		return "stale"
	default:
		return ""
	}
}
