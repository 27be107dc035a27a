package ping

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"timepie/internal/storage"
)

var csvHeader = []string{"scheduled_at", "fired_at", "late_seconds", "seed"}

// ExportCSV writes the pings in f to w, one row per ping, RFC3339 times in loc.
// It returns the number of rows written.
func ExportCSV(ctx context.Context, pings Log, f storage.PingFilter, loc *time.Location, w io.Writer) (int, error) {
	if loc == nil {
		loc = time.Local
	}
	rows, err := pings.ListPings(ctx, f)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, err
	}
	for _, p := range rows {
		late := p.FiredAt.Sub(p.ScheduledAt).Seconds()
		rec := []string{
			p.ScheduledAt.In(loc).Format(time.RFC3339),
			p.FiredAt.In(loc).Format(time.RFC3339),
			strconv.FormatFloat(late, 'f', 3, 64),
			strconv.FormatInt(p.Seed, 10),
		}
		if err := cw.Write(rec); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(rows), cw.Error()
}
