package syncer

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle state of one sync cycle.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseDiscovering  Phase = "discovering"
	PhaseFetching     Phase = "fetching"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseInterrupted  Phase = "interrupted"
)

// Progress event types, append-only.
const (
	EventSyncStarted  = "SyncStarted"
	EventPhaseChanged = "PhaseChanged"
	EventURLProcessed = "UrlProcessed"
	EventURLFailed    = "UrlFailed"
	EventURLSkipped   = "UrlSkipped"
	EventSyncComplete = "SyncCompleted"
	EventSyncFailed   = "SyncFailed"
)

// legalTransitions maps each phase to the phases it may enter. Terminal
// phases have no entries.
var legalTransitions = map[Phase]map[Phase]bool{
	PhaseInitializing: {PhaseDiscovering: true, PhaseFailed: true},
	PhaseDiscovering:  {PhaseFetching: true, PhaseFailed: true, PhaseInterrupted: true},
	PhaseFetching:     {PhaseFetching: true, PhaseCompleted: true, PhaseFailed: true, PhaseInterrupted: true},
	PhaseInterrupted:  {PhaseFetching: true, PhaseFailed: true},
}

// IllegalTransitionError is returned for a phase change the lifecycle does
// not allow, including any transition out of a terminal phase.
type IllegalTransitionError struct {
	From, To Phase
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("syncer: illegal phase transition %s -> %s", e.From, e.To)
}

// FailureInfo describes one failed URL within a cycle.
type FailureInfo struct {
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	FailedAt     time.Time `json:"failed_at"`
	RetryCount   int       `json:"retry_count"`
}

// ProgressEvent is one append-only progress log entry.
type ProgressEvent struct {
	Type   string    `json:"type"`
	At     time.Time `json:"at"`
	URL    string    `json:"url,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// ProgressStats aggregates per-cycle counters.
type ProgressStats struct {
	Discovered int `json:"discovered"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	CacheHits  int `json:"cache_hits"`
}

// Progress is the in-memory aggregate of one sync cycle, mirrored to the
// checkpoint tables after every state change of note. Safe for concurrent
// use by the fetch workers.
type Progress struct {
	mu sync.Mutex

	tenant    string
	syncID    string
	phase     Phase
	startedAt time.Time

	discovered map[string]struct{}
	pending    map[string]struct{}
	processed  map[string]struct{}
	failed     map[string]FailureInfo

	stats  ProgressStats
	events []ProgressEvent
	notify func(ProgressEvent)
}

// NewProgress starts a fresh cycle in the initializing phase.
func NewProgress(tenant string) *Progress {
	p := &Progress{
		tenant:     tenant,
		syncID:     uuid.NewString(),
		phase:      PhaseInitializing,
		startedAt:  time.Now().UTC(),
		discovered: make(map[string]struct{}),
		pending:    make(map[string]struct{}),
		processed:  make(map[string]struct{}),
		failed:     make(map[string]FailureInfo),
	}
	p.appendEvent(ProgressEvent{Type: EventSyncStarted, At: p.startedAt})
	return p
}

// SyncID returns the cycle identifier.
func (p *Progress) SyncID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncID
}

// Phase returns the current phase.
func (p *Progress) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Resumable reports whether a persisted cycle in this phase may be adopted
// by a new scheduler run.
func (p *Progress) Resumable() bool {
	switch p.Phase() {
	case PhaseDiscovering, PhaseFetching, PhaseInterrupted:
		return true
	}
	return false
}

// Transition moves the cycle to the next phase, appending a PhaseChanged
// event. Illegal transitions, including any move out of a terminal phase,
// fail with *IllegalTransitionError.
func (p *Progress) Transition(to Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-entering the same phase is a no-op only where the phase allows
	// onward movement; terminal phases reject even that.
	if p.phase == to && len(legalTransitions[p.phase]) > 0 {
		return nil
	}
	if !legalTransitions[p.phase][to] {
		return &IllegalTransitionError{From: p.phase, To: to}
	}
	p.appendEvent(ProgressEvent{
		Type:   EventPhaseChanged,
		At:     time.Now().UTC(),
		Detail: string(p.phase) + "->" + string(to),
	})
	p.phase = to
	return nil
}

// MarkDiscovered adds a URL to the discovered set.
func (p *Progress) MarkDiscovered(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.discovered[url]; ok {
		return
	}
	p.discovered[url] = struct{}{}
	p.stats.Discovered++
}

// MarkPending adds a URL to the pending set unless already processed.
func (p *Progress) MarkPending(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.processed[url]; done {
		return
	}
	p.pending[url] = struct{}{}
}

// MarkProcessed records a successful URL, clearing pending and any earlier
// failure.
func (p *Progress) MarkProcessed(url string, cacheHit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, url)
	delete(p.failed, url)
	if _, ok := p.processed[url]; !ok {
		p.processed[url] = struct{}{}
		p.stats.Processed++
	}
	if cacheHit {
		p.stats.CacheHits++
	}
	p.appendEvent(ProgressEvent{Type: EventURLProcessed, At: time.Now().UTC(), URL: url})
}

// MarkFailed records a per-URL failure.
func (p *Progress) MarkFailed(url, errorType, errorMessage string, retryCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, url)
	if _, ok := p.failed[url]; !ok {
		p.stats.Failed++
	}
	p.failed[url] = FailureInfo{
		ErrorType:    errorType,
		ErrorMessage: errorMessage,
		FailedAt:     time.Now().UTC(),
		RetryCount:   retryCount,
	}
	p.appendEvent(ProgressEvent{Type: EventURLFailed, At: time.Now().UTC(), URL: url, Detail: errorType})
}

// MarkSkipped records a skipped URL with its reason.
func (p *Progress) MarkSkipped(url, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, url)
	p.stats.Skipped++
	p.appendEvent(ProgressEvent{Type: EventURLSkipped, At: time.Now().UTC(), URL: url, Detail: reason})
}

// Complete marks the cycle done.
func (p *Progress) Complete() error {
	if err := p.Transition(PhaseCompleted); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appendEvent(ProgressEvent{Type: EventSyncComplete, At: time.Now().UTC()})
	return nil
}

// Fail marks the cycle failed with a reason.
func (p *Progress) Fail(reason string) error {
	if err := p.Transition(PhaseFailed); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appendEvent(ProgressEvent{Type: EventSyncFailed, At: time.Now().UTC(), Detail: reason})
	return nil
}

// PendingURLs returns the pending set, sorted.
func (p *Progress) PendingURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.pending)
}

// Stats returns a copy of the cycle counters.
func (p *Progress) Stats() ProgressStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Events returns a copy of the append-only event list.
func (p *Progress) Events() []ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProgressEvent, len(p.events))
	copy(out, p.events)
	return out
}

// SetNotify installs a callback invoked for every appended event. The
// callback runs with the progress lock held and must not block.
func (p *Progress) SetNotify(fn func(ProgressEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notify = fn
}

func (p *Progress) appendEvent(ev ProgressEvent) {
	p.events = append(p.events, ev)
	if p.notify != nil {
		p.notify(ev)
	}
}

// progressJSON is the persisted shape; sets serialize as sorted slices so
// checkpoints are deterministic.
type progressJSON struct {
	TenantCodename string                 `json:"tenant_codename"`
	SyncID         string                 `json:"sync_id"`
	Phase          Phase                  `json:"phase"`
	StartedAt      time.Time              `json:"started_at"`
	DiscoveredURLs []string               `json:"discovered_urls"`
	PendingURLs    []string               `json:"pending_urls"`
	ProcessedURLs  []string               `json:"processed_urls"`
	FailedURLs     map[string]FailureInfo `json:"failed_urls"`
	Stats          ProgressStats          `json:"stats"`
	Events         []ProgressEvent        `json:"events"`
}

// MarshalJSON implements json.Marshaler.
func (p *Progress) MarshalJSON() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	failed := make(map[string]FailureInfo, len(p.failed))
	for k, v := range p.failed {
		failed[k] = v
	}
	return json.Marshal(progressJSON{
		TenantCodename: p.tenant,
		SyncID:         p.syncID,
		Phase:          p.phase,
		StartedAt:      p.startedAt,
		DiscoveredURLs: sortedKeys(p.discovered),
		PendingURLs:    sortedKeys(p.pending),
		ProcessedURLs:  sortedKeys(p.processed),
		FailedURLs:     failed,
		Stats:          p.stats,
		Events:         p.events,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Progress) UnmarshalJSON(data []byte) error {
	var dto progressJSON
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tenant = dto.TenantCodename
	p.syncID = dto.SyncID
	p.phase = dto.Phase
	p.startedAt = dto.StartedAt
	p.discovered = toSet(dto.DiscoveredURLs)
	p.pending = toSet(dto.PendingURLs)
	p.processed = toSet(dto.ProcessedURLs)
	p.failed = dto.FailedURLs
	if p.failed == nil {
		p.failed = make(map[string]FailureInfo)
	}
	p.stats = dto.Stats
	p.events = dto.Events
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
