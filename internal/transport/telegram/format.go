package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"timepie/internal/schedule"
	"timepie/internal/scheduler"
	"timepie/internal/storage"
)

const textLimit = 4000

func statusText(s scheduler.Snapshot) string {
	var b strings.Builder
	if s.Running {
		b.WriteString("Pings are ON")
	} else {
		b.WriteString("Pings are OFF")
	}
	if s.NextFireAt != nil {
		fmt.Fprintf(&b, "\nNext ping: %s (in %s)", s.NextFireAt.Format("Mon 15:04:05"), until(*s.NextFireAt))
	}
	fmt.Fprintf(&b, "\nEvery %s, state %s", s.Interval, s.Machine)
	return b.String()
}

func toggleText(label string, err error) string {
	if err == nil {
		return label
	}
	return label + " (with problems)\n" + noticeText(err)
}

func noticeText(err error) string {
	var (
		se *schedule.StorageError
		ce *schedule.SchedulingError
	)
	switch {
	case errors.As(err, &ce):
		return "Could not update the reminder, will retry: " + ce.Err.Error()
	case errors.As(err, &se):
		return "Reminder set but not saved, will retry: " + se.Err.Error()
	default:
		return "Error: " + err.Error()
	}
}

func pingsText(ps []storage.Ping) string {
	if len(ps) == 0 {
		return "No pings yet."
	}
	var b strings.Builder
	b.WriteString("Latest pings:")
	for i := len(ps) - 1; i >= 0; i-- {
		p := ps[i]
		fmt.Fprintf(&b, "\n%s", p.FiredAt.Format("Mon 02 Jan 15:04"))
		if late := p.FiredAt.Sub(p.ScheduledAt); late >= time.Second {
			fmt.Fprintf(&b, " (late %s)", late.Truncate(time.Second))
		}
	}
	return b.String()
}

func until(t time.Time) string {
	d := time.Until(t)
	if d < 0 {
		return "due"
	}
	return d.Truncate(time.Second).String()
}

// splitText splits s into chunks of at most limit runes, preferring newlines.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
