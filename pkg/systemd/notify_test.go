package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "timepie/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func newTestNotifier(enabled bool, every time.Duration) (*Notifier, *recorder) {
	r := &recorder{}
	n := New(enabled, logx.Nop())
	n.notify = r.notify
	n.wd = func() (time.Duration, error) { return every, nil }
	return n, r
}

func TestNotifier_States(t *testing.T) {
	t.Parallel()
	n, r := newTestNotifier(true, 0)
	n.Ready()
	n.Status("armed")
	n.Stopping()
	assert.Equal(t, []string{"READY=1", "STATUS=armed", "STOPPING=1"}, r.states)

	off, r2 := newTestNotifier(false, 0)
	off.Ready()
	assert.Empty(t, r2.states)

	var nilN *Notifier
	nilN.Ready()
}

func TestNotifier_Watchdog(t *testing.T) {
	t.Parallel()
	n, r := newTestNotifier(true, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Watchdog(ctx, nil)
	}()
	require.Eventually(t, func() bool { return r.count("WATCHDOG=1") >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestNotifier_WatchdogWithheldWhenUnhealthy(t *testing.T) {
	t.Parallel()
	n, r := newTestNotifier(true, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	n.Watchdog(ctx, func() error { return errors.New("stopped") })
	assert.Zero(t, r.count("WATCHDOG=1"))
}

func TestNotifier_WatchdogDisabled(t *testing.T) {
	t.Parallel()
	n, _ := newTestNotifier(true, 0)
	finished := make(chan struct{})
	go func() {
		n.Watchdog(context.Background(), nil)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("watchdog loop should return when not configured")
	}
}
