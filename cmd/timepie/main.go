package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"timepie/internal/app"
	"timepie/internal/config"
	"timepie/internal/ping"
	"timepie/internal/storage"
	logx "timepie/pkg/logx"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "export" {
		if err := runExport(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "export:", err)
			os.Exit(1)
		}
		return
	}

	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Println("fatal env:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgm := config.NewManager(cfgPath)
	cfgm.UseEnv(true)
	if _, err := cfgm.Load(); err != nil {
		fmt.Println("fatal config:", err)
		os.Exit(1)
	}

	a, err := app.New(cfgm)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		fmt.Println("fatal:", a.Err())
		os.Exit(1)
	}
}

// runExport writes the ping log as CSV to stdout.
func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	cfgPath := fs.String("config", "./config.json", "path to config json/yaml")
	envPath := fs.String("env", ".env", "optional dotenv file")
	from := fs.String("from", "", "only pings fired at or after (RFC3339 or YYYY-MM-DD)")
	to := fs.String("to", "", "only pings fired before (RFC3339 or YYYY-MM-DD)")
	limit := fs.Int("limit", 0, "keep only the newest N pings (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.LoadDotEnv(*envPath); err != nil {
		return err
	}

	cfgm := config.NewManager(*cfgPath)
	cfgm.UseEnv(true)
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}
	if cfg.Storage == nil || strings.TrimSpace(cfg.Storage.Driver) == "" {
		return fmt.Errorf("no persistent storage configured in %s", *cfgPath)
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return err
		}
	}
	f := storage.PingFilter{Limit: *limit}
	if f.From, err = parseWhen(*from, loc); err != nil {
		return fmt.Errorf("-from: %w", err)
	}
	if f.To, err = parseWhen(*to, loc); err != nil {
		return fmt.Errorf("-to: %w", err)
	}

	busy, err := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	st, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, logx.NewWriter(os.Stderr, "warn"))
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := ping.ExportCSV(context.Background(), st, f, loc, os.Stdout)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d pings\n", n)
	return nil
}

func parseWhen(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, s, loc)
}
