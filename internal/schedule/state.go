package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Persisted key names.
const (
	KeyRunning          = "running"
	KeyNextFireAt       = "nextFireAt"
	KeySeed             = "seed"
	KeyInstalledVersion = "installedVersion"
)

// State is the durable scheduling state.
//
// NextFireAt and Seed are set together or not at all. A zero NextFireAt
// and a zero Seed mean "unset".
type State struct {
	Running          bool
	NextFireAt       time.Time
	Seed             int64
	InstalledVersion int
}

// Default is the state of a fresh install.
func Default() State {
	return State{Running: true}
}

func (s State) HasNext() bool { return !s.NextFireAt.IsZero() }
func (s State) HasSeed() bool { return s.Seed != 0 }

// Scheduled reports whether both NextFireAt and Seed are set.
func (s State) Scheduled() bool { return s.HasNext() && s.HasSeed() }

// Equal compares states by instant, ignoring monotonic clock and location.
func (s State) Equal(o State) bool {
	return s.Running == o.Running &&
		s.NextFireAt.Equal(o.NextFireAt) &&
		s.Seed == o.Seed &&
		s.InstalledVersion == o.InstalledVersion
}

func (s State) String() string {
	next := "-"
	if s.HasNext() {
		next = s.NextFireAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("running=%t next=%s seed=%d version=%d", s.Running, next, s.Seed, s.InstalledVersion)
}

// Prefs is the key/value form of State. Absent keys mean unset.
type Prefs map[string]string

// Prefs encodes the state into its key/value form.
// nextFireAt is stored as epoch milliseconds.
func (s State) Prefs() Prefs {
	p := Prefs{
		KeyRunning:          "0",
		KeyInstalledVersion: strconv.Itoa(s.InstalledVersion),
	}
	if s.Running {
		p[KeyRunning] = "1"
	}
	if s.HasNext() {
		p[KeyNextFireAt] = strconv.FormatInt(s.NextFireAt.UnixMilli(), 10)
	}
	if s.HasSeed() {
		p[KeySeed] = strconv.FormatInt(s.Seed, 10)
	}
	return p
}

// FromPrefs decodes a key/value map. Missing running defaults to true,
// matching a fresh install. Unknown keys are ignored.
func FromPrefs(p Prefs) (State, error) {
	st := Default()
	if v, ok := p[KeyRunning]; ok {
		b, err := parseBool(v)
		if err != nil {
			return State{}, fmt.Errorf("%s: %w", KeyRunning, err)
		}
		st.Running = b
	}
	if v, ok := p[KeyNextFireAt]; ok && strings.TrimSpace(v) != "" {
		ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("%s: %w", KeyNextFireAt, err)
		}
		if ms > 0 {
			st.NextFireAt = time.UnixMilli(ms)
		}
	}
	if v, ok := p[KeySeed]; ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("%s: %w", KeySeed, err)
		}
		st.Seed = n
	}
	if v, ok := p[KeyInstalledVersion]; ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return State{}, fmt.Errorf("%s: %w", KeyInstalledVersion, err)
		}
		st.InstalledVersion = n
	}
	return st, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool %q", v)
	}
}
