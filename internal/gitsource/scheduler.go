package gitsource

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/syncer"
)

const (
	baseRetryDelay = 60 * time.Second
	maxRetryDelay  = 3600 * time.Second
)

// Scheduler runs git imports on a cron schedule, one at a time, with the
// same lifecycle surface as the web sync scheduler.
type Scheduler struct {
	importer *Importer
	schedule string
	log      logging.Logger

	cronRunner *cron.Cron

	runMu sync.Mutex

	mu           sync.Mutex
	stats        syncer.SyncStats
	backoffUntil time.Time
	running      bool

	rootCtx context.Context
	cancel  context.CancelFunc

	completeMu     sync.Mutex
	onSyncComplete []func(context.Context)

	subsMu    sync.Mutex
	subs      map[int]chan syncer.ProgressEvent
	nextSubID int
}

// NewScheduler wraps an importer with cron-driven execution.
func NewScheduler(importer *Importer, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		importer: importer,
		schedule: importer.cfg.RefreshSchedule,
		log:      logger.With(logging.Field{Key: "component", Value: "gitsource"}, logging.Field{Key: "tenant", Value: importer.cfg.Codename}),
		rootCtx:  ctx,
		cancel:   cancel,
	}
}

// OnSyncComplete registers a hook fired after each successful import.
func (s *Scheduler) OnSyncComplete(fn func(context.Context)) {
	if fn == nil {
		return
	}
	s.completeMu.Lock()
	defer s.completeMu.Unlock()
	s.onSyncComplete = append(s.onSyncComplete, fn)
}

// Subscribe returns a channel of import lifecycle events and a cancel
// func. Git imports have no per-URL progress, so only start, completion
// and failure events appear.
func (s *Scheduler) Subscribe() (<-chan syncer.ProgressEvent, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]chan syncer.ProgressEvent)
	}
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan syncer.ProgressEvent, 8)
	s.subs[id] = ch

	cancel := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (s *Scheduler) broadcast(ev syncer.ProgressEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Start launches the cron loop when a schedule is configured.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.schedule != "" {
		runner := cron.New()
		if _, err := runner.AddFunc(s.schedule, s.cronFire); err != nil {
			return err
		}
		runner.Start()
		s.cronRunner = runner
	}
	s.running = true
	s.stats.Running = true
	return nil
}

// Stop cancels the cron loop and any in-flight import.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stats.Running = false
	runner := s.cronRunner
	s.cronRunner = nil
	s.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
	s.cancel()
}

func (s *Scheduler) cronFire() {
	s.mu.Lock()
	inBackoff := time.Now().Before(s.backoffUntil)
	s.mu.Unlock()
	if inBackoff {
		return
	}
	s.TriggerSync(s.rootCtx, false, false)
}

// TriggerSync runs one import now. The force flags exist for interface
// parity with the web scheduler; a git import is always a full pass.
func (s *Scheduler) TriggerSync(ctx context.Context, _, _ bool) syncer.TriggerResult {
	if !s.runMu.TryLock() {
		return syncer.TriggerResult{Success: false, Message: "sync already running"}
	}
	defer s.runMu.Unlock()

	s.broadcast(syncer.ProgressEvent{Type: syncer.EventSyncStarted, At: time.Now().UTC()})
	stats, err := s.importer.Run(ctx)

	s.mu.Lock()
	s.stats.TotalCycles++
	if err != nil {
		s.stats.TotalFailures++
		s.stats.ConsecutiveFailures++
		s.stats.LastError = err.Error()
		backoff := baseRetryDelay << (s.stats.ConsecutiveFailures - 1)
		if backoff > maxRetryDelay || backoff <= 0 {
			backoff = maxRetryDelay
		}
		s.backoffUntil = time.Now().Add(backoff)
	} else {
		s.stats.ConsecutiveFailures = 0
		s.stats.LastError = ""
		s.stats.LastSyncTime = time.Now().UTC()
		s.backoffUntil = time.Time{}
	}
	s.mu.Unlock()

	if err != nil {
		s.broadcast(syncer.ProgressEvent{Type: syncer.EventSyncFailed, At: time.Now().UTC(), Detail: err.Error()})
		s.log.Warn("git import failed", logging.Field{Key: "error", Value: err.Error()})
		return syncer.TriggerResult{Success: false, Message: err.Error()}
	}
	s.broadcast(syncer.ProgressEvent{Type: syncer.EventSyncComplete, At: time.Now().UTC(), Detail: stats.Commit})

	s.completeMu.Lock()
	hooks := append([]func(context.Context){}, s.onSyncComplete...)
	s.completeMu.Unlock()
	for _, hook := range hooks {
		hook(ctx)
	}

	s.log.Info("git import succeeded",
		logging.Field{Key: "commit", Value: stats.Commit},
		logging.Field{Key: "imported", Value: stats.Imported})
	return syncer.TriggerResult{Success: true, Message: "import completed"}
}

// Stats returns a copy of the scheduler counters.
func (s *Scheduler) Stats() syncer.SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Status aggregates scheduler counters with the tenant's store snapshot.
func (s *Scheduler) Status(ctx context.Context) (*syncer.Status, error) {
	snap, err := s.importer.store.GetStatusSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &syncer.Status{Scheduler: s.Stats(), Store: snap}, nil
}
