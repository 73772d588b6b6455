// Package watchdog implements the stale-claim-reaping supplemental
// feature described in SPEC_FULL.md, grounded on the teacher's
// internal/app/watchdog.go periodic-ticker shape. Unlike the teacher's
// watchdog — which force-resets stuck tasks back to pending — this one
// never mutates task state: inventing an implicit "reap" transition
// would add a state change the lifecycle matrix (§4.2) doesn't list.
// It only logs candidates and exposes them for inspection.
package watchdog

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jaakkos/stringwork-coord/internal/domain"
	"github.com/jaakkos/stringwork-coord/internal/store"
)

const (
	defaultInterval    = 60 * time.Second
	defaultStuckThresh = 30 * time.Minute
)

// Config controls the watchdog's cadence and staleness threshold.
type Config struct {
	Interval              time.Duration
	StuckSessionThreshold time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{Interval: defaultInterval, StuckSessionThreshold: defaultStuckThresh}
}

// StaleClaim is a task/session pair flagged as having run past the
// staleness threshold with no completion.
type StaleClaim struct {
	TaskID    int64
	Code      string
	AgentName string
	SessionID int64
	StartedAt time.Time
}

// Watchdog periodically scans InProgress tasks for sessions open past
// the configured threshold.
type Watchdog struct {
	tasks  store.TaskStore
	logger *log.Logger
	cfg    Config
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	flagged []StaleClaim
}

// New builds a Watchdog over a TaskStore.
func New(tasks store.TaskStore, logger *log.Logger, cfg Config) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StuckSessionThreshold <= 0 {
		cfg.StuckSessionThreshold = defaultStuckThresh
	}
	return &Watchdog{tasks: tasks, logger: logger, cfg: cfg, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Start runs the watchdog loop until ctx is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	defer close(w.doneCh)
	w.logger.Printf("watchdog: started (interval=%s, stuck_session_threshold=%s)", w.cfg.Interval, w.cfg.StuckSessionThreshold)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Println("watchdog: stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Println("watchdog: stopped")
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// Stop signals the loop to exit and waits for it to finish.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// CheckOnce runs a single scan cycle immediately and returns its result.
func (w *Watchdog) CheckOnce() []StaleClaim {
	w.check()
	return w.Flagged()
}

func (w *Watchdog) check() {
	tasks, err := w.tasks.List(domain.ListFilter{HasState: true, State: domain.InProgress, Limit: 1000})
	if err != nil {
		w.logger.Printf("watchdog: list in-progress tasks: %v", err)
		return
	}
	now := time.Now()
	var flagged []StaleClaim
	for _, t := range tasks {
		sess, found, err := w.tasks.OpenSessionForTask(t.ID)
		if err != nil {
			w.logger.Printf("watchdog: open session for task %d: %v", t.ID, err)
			continue
		}
		if !found {
			continue
		}
		if now.Sub(sess.StartedAt) < w.cfg.StuckSessionThreshold {
			continue
		}
		claim := StaleClaim{TaskID: t.ID, Code: t.Code, AgentName: t.OwnerAgentName, SessionID: sess.ID, StartedAt: sess.StartedAt}
		flagged = append(flagged, claim)
		w.logger.Printf("watchdog: task %d (%s) held by %s since %s exceeds stuck-session threshold",
			t.ID, t.Code, t.OwnerAgentName, sess.StartedAt.Format(time.RFC3339))
	}
	sort.Slice(flagged, func(i, j int) bool { return flagged[i].TaskID < flagged[j].TaskID })

	w.mu.Lock()
	w.flagged = flagged
	w.mu.Unlock()
}

// Flagged returns the claims flagged by the most recent scan.
func (w *Watchdog) Flagged() []StaleClaim {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]StaleClaim, len(w.flagged))
	copy(out, w.flagged)
	return out
}
