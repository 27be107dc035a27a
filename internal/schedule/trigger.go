package schedule

import (
	"fmt"
	"strings"
)

// Trigger is the event that starts one evaluation. Never persisted.
type Trigger int

const (
	AppOpened Trigger = iota + 1
	ToggleOn
	ToggleOff
	AlarmFired
	VersionUpgraded
)

var triggerNames = map[Trigger]string{
	AppOpened:       "app_opened",
	ToggleOn:        "toggle_on",
	ToggleOff:       "toggle_off",
	AlarmFired:      "alarm_fired",
	VersionUpgraded: "version_upgraded",
}

func (t Trigger) String() string {
	if s, ok := triggerNames[t]; ok {
		return s
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

func (t Trigger) Valid() bool {
	_, ok := triggerNames[t]
	return ok
}

// ParseTrigger accepts the names produced by String.
func ParseTrigger(s string) (Trigger, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range triggerNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown trigger %q", s)
}
