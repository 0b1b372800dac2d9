// Package observe is the thread-safe aggregation surface shared by the
// routing engine, the linear engine loop and the query surfaces (panel, MCP).
//
// Metrics, traces and errors live in three independently locked regions.
// No operation holds more than one region's lock at a time.
package observe

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// UnserializablePayload is recorded when neither the payload nor its string
// form can be captured.
const UnserializablePayload = "<unserializable payload>"

// StageMetrics is the point-in-time view of one stage's metric record.
// Durations are in seconds.
type StageMetrics struct {
	Count     int64   `json:"count"`
	TotalTime float64 `json:"total_time"`
	AvgTime   float64 `json:"avg_time"`
	Errors    int64   `json:"errors"`
}

// TraceStep is one (timestamp, stage, note) entry of a trace.
type TraceStep struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Note      string    `json:"note"`
}

// TraceEntry collects the steps of one input record.
type TraceEntry struct {
	CorrelationID string      `json:"line_id"`
	CreatedAt     time.Time   `json:"created"`
	Steps         []TraceStep `json:"steps"`
}

// ErrorRecord is a captured stage failure.
type ErrorRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Stage         string    `json:"processor"`
	CorrelationID string    `json:"line_id"`
	Error         string    `json:"error"`
	Payload       any       `json:"payload,omitempty"`
}

type metricRecord struct {
	count  int64
	total  time.Duration
	errors int64
}

// Store aggregates metrics, traces and errors.
type Store struct {
	settings   Settings
	collectors *Collectors
	logger     *slog.Logger
	now        func() time.Time

	metricsMu sync.Mutex
	metrics   map[string]*metricRecord

	tracesMu sync.Mutex
	traces   *simplelru.LRU[string, *TraceEntry]

	errorsMu sync.Mutex
	errors   *ring[ErrorRecord]
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithCollectors mirrors every metric update into Prometheus collectors.
func WithCollectors(c *Collectors) StoreOption {
	return func(s *Store) { s.collectors = c }
}

// WithLogger sets the logger used for debug output on recorded errors.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the wall clock used for trace and error timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store. Settings are validated; invalid capacities are an error.
func NewStore(settings Settings, opts ...StoreOption) (*Store, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	traces, err := simplelru.NewLRU[string, *TraceEntry](settings.TracesMax, nil)
	if err != nil {
		return nil, fmt.Errorf("observe: create trace buffer: %w", err)
	}
	s := &Store{
		settings: settings,
		now:      time.Now,
		metrics:  make(map[string]*metricRecord),
		traces:   traces,
		errors:   newRing[ErrorRecord](settings.ErrorsMax),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// Settings returns the settings the store was built with.
func (s *Store) Settings() Settings { return s.settings }

// TracingEnabled reports whether AddTrace records anything.
func (s *Store) TracingEnabled() bool { return s.settings.EnableTracing }

// ---------------- metrics ----------------

// Timed starts a scoped measurement for stage. The returned func stops it,
// incrementing the invocation count and adding the elapsed time. Intended use:
//
//	defer store.Timed("parse")()
func (s *Store) Timed(stage string) func() {
	start := time.Now()
	var once sync.Once
	return func() {
		once.Do(func() { s.Observe(stage, time.Since(start)) })
	}
}

// Observe records one invocation of stage that took d.
func (s *Store) Observe(stage string, d time.Duration) {
	s.metricsMu.Lock()
	rec := s.record(stage)
	rec.count++
	rec.total += d
	s.metricsMu.Unlock()

	if s.collectors != nil {
		s.collectors.observe(stage, d)
	}
}

// IncError increments the error counter for stage.
func (s *Store) IncError(stage string) {
	s.metricsMu.Lock()
	s.record(stage).errors++
	s.metricsMu.Unlock()

	if s.collectors != nil {
		s.collectors.incError(stage)
	}
}

// record returns the metric record for stage; callers hold metricsMu.
func (s *Store) record(stage string) *metricRecord {
	rec, ok := s.metrics[stage]
	if !ok {
		rec = &metricRecord{}
		s.metrics[stage] = rec
	}
	return rec
}

// SnapshotMetrics returns a point-in-time copy of all stage metrics.
func (s *Store) SnapshotMetrics() map[string]StageMetrics {
	s.metricsMu.Lock()
	copied := make(map[string]metricRecord, len(s.metrics))
	for k, v := range s.metrics {
		copied[k] = *v
	}
	s.metricsMu.Unlock()

	snap := make(map[string]StageMetrics, len(copied))
	for k, v := range copied {
		total := v.total.Seconds()
		var avg float64
		if v.count > 0 {
			avg = total / float64(v.count)
		}
		snap[k] = StageMetrics{
			Count:     v.count,
			TotalTime: total,
			AvgTime:   avg,
			Errors:    v.errors,
		}
	}
	return snap
}

// StageNames returns the stages with metric records, sorted.
func (s *Store) StageNames() []string {
	s.metricsMu.Lock()
	names := make([]string, 0, len(s.metrics))
	for k := range s.metrics {
		names = append(names, k)
	}
	s.metricsMu.Unlock()
	sort.Strings(names)
	return names
}

// ---------------- traces ----------------

// AddTrace appends a step to the trace for correlationID, starting a new
// trace if none exists. No-op when tracing is disabled.
func (s *Store) AddTrace(correlationID, stage, note string) {
	if !s.settings.EnableTracing {
		return
	}
	step := TraceStep{Timestamp: s.now(), Stage: stage, Note: note}

	s.tracesMu.Lock()
	defer s.tracesMu.Unlock()

	// Peek keeps insertion order intact so eviction always drops the oldest trace.
	if entry, ok := s.traces.Peek(correlationID); ok {
		entry.Steps = append(entry.Steps, step)
		return
	}
	s.traces.Add(correlationID, &TraceEntry{
		CorrelationID: correlationID,
		CreatedAt:     step.Timestamp,
		Steps:         []TraceStep{step},
	})
}

// RecentTraces returns up to limit traces, newest first. limit <= 0 means all.
// Returns nil when tracing is disabled.
func (s *Store) RecentTraces(limit int) []TraceEntry {
	if !s.settings.EnableTracing {
		return nil
	}

	s.tracesMu.Lock()
	defer s.tracesMu.Unlock()

	keys := s.traces.Keys()
	n := len(keys)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]TraceEntry, 0, n)
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		entry, ok := s.traces.Peek(keys[i])
		if !ok {
			continue
		}
		steps := make([]TraceStep, len(entry.Steps))
		copy(steps, entry.Steps)
		out = append(out, TraceEntry{
			CorrelationID: entry.CorrelationID,
			CreatedAt:     entry.CreatedAt,
			Steps:         steps,
		})
	}
	return out
}

// Trace returns a copy of the trace for correlationID.
func (s *Store) Trace(correlationID string) (TraceEntry, bool) {
	s.tracesMu.Lock()
	defer s.tracesMu.Unlock()

	entry, ok := s.traces.Peek(correlationID)
	if !ok {
		return TraceEntry{}, false
	}
	steps := make([]TraceStep, len(entry.Steps))
	copy(steps, entry.Steps)
	return TraceEntry{CorrelationID: entry.CorrelationID, CreatedAt: entry.CreatedAt, Steps: steps}, true
}

// ClearTraces drops all traces.
func (s *Store) ClearTraces() {
	s.tracesMu.Lock()
	s.traces.Purge()
	s.tracesMu.Unlock()
}

// ---------------- errors ----------------

// RecordError increments stage's error count and appends an ErrorRecord.
// payload may be nil. It never panics.
func (s *Store) RecordError(stage, correlationID string, err error, payload any) {
	s.IncError(stage)

	rec := ErrorRecord{
		Timestamp:     s.now(),
		Stage:         stage,
		CorrelationID: correlationID,
		Error:         describeError(err),
	}
	if payload != nil {
		rec.Payload = capturePayload(payload)
	}

	s.logger.Debug("recording error",
		slog.String("stage", stage),
		slog.String("correlation_id", correlationID),
		slog.String("error", rec.Error),
	)

	s.errorsMu.Lock()
	s.errors.push(rec)
	s.errorsMu.Unlock()
}

// RecentErrors returns up to limit error records, newest first. limit <= 0 means all.
func (s *Store) RecentErrors(limit int) []ErrorRecord {
	s.errorsMu.Lock()
	defer s.errorsMu.Unlock()
	return s.errors.newest(limit)
}

// ClearErrors drops all error records. Metric error counts are kept.
func (s *Store) ClearErrors() {
	s.errorsMu.Lock()
	s.errors.clear()
	s.errorsMu.Unlock()
}

func describeError(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// capturePayload snapshots payload as JSON, falling back to its string form
// and finally to UnserializablePayload.
func capturePayload(payload any) any {
	if data, ok := jsonForm(payload); ok {
		return data
	}
	return stringForm(payload)
}

func jsonForm(payload any) (data json.RawMessage, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			data, ok = nil, false
		}
	}()
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	return json.RawMessage(raw), true
}

func stringForm(payload any) (str any) {
	defer func() {
		if r := recover(); r != nil {
			str = UnserializablePayload
		}
	}()
	switch v := payload.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}
