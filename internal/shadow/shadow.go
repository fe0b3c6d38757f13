// Package shadow runs a legacy permission checker and the new check engine
// side by side for the same request, recording agreement without ever letting
// the new engine's result reach the caller. It exists to validate the engine
// in production before cutover.
package shadow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/planhub/rebac/internal/graph"
	"github.com/planhub/rebac/pkg/logger"
)

const (
	// DefaultStatsLimit is applied when GetStats receives a non-positive
	// limit.
	DefaultStatsLimit = 25

	// MaxStatsLimit clamps GetStats.
	MaxStatsLimit = 100

	defaultShadowTimeout  = 500 * time.Millisecond
	defaultRecorderBuffer = 1000
)

// LegacyCheckFunc adapts the legacy permission system: any callable
// returning a boolean or failing.
type LegacyCheckFunc func(ctx context.Context, req graph.CheckRequest) (bool, error)

// Checker is the engine-side decision point shadowed by the harness.
type Checker interface {
	Check(ctx context.Context, req graph.CheckRequest) (bool, error)
}

// Record is one shadowed authorization request. It is created only once both
// evaluations have completed, a timeout or failure counting as completion of
// that side.
type Record struct {
	ID         string
	TenantID   string
	Subject    string
	Permission string
	Object     string

	LegacyAllowed bool
	EngineAllowed bool
	Agreement     bool

	LegacyErr string
	EngineErr string

	LegacyLatency time.Duration
	EngineLatency time.Duration

	CreatedAt time.Time
}

// Recorder stores shadow records. The harness only ever appends and reads
// recent entries.
type Recorder interface {
	Add(Record)
	Recent(limit int) []Record
}

// RingRecorder is a bounded, mutex-guarded in-memory Recorder. Old records
// fall off as new ones arrive.
type RingRecorder struct {
	mu      sync.Mutex
	records []Record
	max     int
}

var _ Recorder = (*RingRecorder)(nil)

// NewRingRecorder creates a RingRecorder retaining up to max records. A
// non-positive max uses the default buffer size.
func NewRingRecorder(max int) *RingRecorder {
	if max <= 0 {
		max = defaultRecorderBuffer
	}
	return &RingRecorder{max: max}
}

// Add appends a record, evicting the oldest once the buffer is full.
func (r *RingRecorder) Add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, rec)
	if len(r.records) > r.max {
		r.records = r.records[len(r.records)-r.max:]
	}
}

// Recent returns up to limit records, newest first.
func (r *RingRecorder) Recent(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := limit
	if n > len(r.records) {
		n = len(r.records)
	}
	out := make([]Record, 0, n)
	for i := len(r.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.records[i])
	}
	return out
}

// Harness wraps one authorization decision point. While in shadow mode the
// legacy result remains authoritative for the caller; the engine result is
// only recorded.
type Harness struct {
	legacy   LegacyCheckFunc
	engine   Checker
	recorder Recorder

	shadowTimeout time.Duration
	logger        logger.Logger
}

// HarnessOpt configures a Harness.
type HarnessOpt func(*Harness)

// WithShadowTimeout bounds the engine-side evaluation so a slow or hung
// engine call cannot delay the caller-visible legacy result.
func WithShadowTimeout(timeout time.Duration) HarnessOpt {
	return func(h *Harness) { h.shadowTimeout = timeout }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) HarnessOpt {
	return func(h *Harness) { h.logger = log }
}

// NewHarness constructs a Harness around the legacy checker and the engine.
func NewHarness(legacy LegacyCheckFunc, engine Checker, recorder Recorder, opts ...HarnessOpt) *Harness {
	h := &Harness{
		legacy:        legacy,
		engine:        engine,
		recorder:      recorder,
		shadowTimeout: defaultShadowTimeout,
		logger:        logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

type outcome struct {
	allowed bool
	err     error
	latency time.Duration
}

// Check runs both evaluations concurrently and returns the legacy outcome.
// Engine-side failures, panics and timeouts are contained and recorded; they
// never propagate to the caller and never affect the legacy decision.
func (h *Harness) Check(ctx context.Context, req graph.CheckRequest) (bool, error) {
	shadowCh := make(chan outcome, 1)
	go func() {
		shadowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shadowTimeout)
		defer cancel()

		start := time.Now()
		var (
			allowed bool
			err     error
			catcher panics.Catcher
		)
		catcher.Try(func() {
			allowed, err = h.engine.Check(shadowCtx, req)
		})
		if recovered := catcher.Recovered(); recovered != nil {
			err = fmt.Errorf("engine panicked: %v", recovered.Value)
		}
		shadowCh <- outcome{allowed: allowed, err: err, latency: time.Since(start)}
	}()

	legacyStart := time.Now()
	legacyAllowed, legacyErr := h.legacy(ctx, req)
	legacy := outcome{allowed: legacyAllowed, err: legacyErr, latency: time.Since(legacyStart)}

	var shadow outcome
	timer := time.NewTimer(h.shadowTimeout)
	defer timer.Stop()
	select {
	case shadow = <-shadowCh:
	case <-timer.C:
		shadow = outcome{err: context.DeadlineExceeded, latency: h.shadowTimeout}
	}

	h.record(req, legacy, shadow)
	return legacy.allowed, legacy.err
}

func (h *Harness) record(req graph.CheckRequest, legacy, shadow outcome) {
	rec := Record{
		ID:            uuid.NewString(),
		TenantID:      req.TenantID,
		Subject:       req.Subject.Key(),
		Permission:    req.Permission,
		Object:        req.Object.Key(),
		LegacyAllowed: legacy.allowed,
		EngineAllowed: shadow.allowed,
		Agreement:     legacy.err == nil && shadow.err == nil && legacy.allowed == shadow.allowed,
		LegacyLatency: legacy.latency,
		EngineLatency: shadow.latency,
		CreatedAt:     time.Now().UTC(),
	}
	if legacy.err != nil {
		rec.LegacyErr = legacy.err.Error()
	}
	if shadow.err != nil {
		rec.EngineErr = shadow.err.Error()
	}

	if !rec.Agreement {
		h.logger.Info("shadow check difference",
			zap.String("tenant_id", rec.TenantID),
			zap.String("subject", rec.Subject),
			zap.String("permission", rec.Permission),
			zap.String("object", rec.Object),
			zap.Bool("legacy", rec.LegacyAllowed),
			zap.Bool("engine", rec.EngineAllowed),
			zap.String("engine_err", rec.EngineErr),
		)
	}

	h.recorder.Add(rec)
}

// GetStats returns the most recent records. A non-positive limit is
// normalized to DefaultStatsLimit; a limit above MaxStatsLimit is clamped,
// not rejected.
func (h *Harness) GetStats(limit int) []Record {
	if limit <= 0 {
		limit = DefaultStatsLimit
	}
	if limit > MaxStatsLimit {
		limit = MaxStatsLimit
	}
	return h.recorder.Recent(limit)
}

// Summary aggregates agreement over the most recent records.
type Summary struct {
	Total         int
	Agreements    int
	Disagreements int
	AgreementRate float64
}

// Summarize computes a Summary over GetStats(limit).
func (h *Harness) Summarize(limit int) Summary {
	records := h.GetStats(limit)
	s := Summary{Total: len(records)}
	for _, rec := range records {
		if rec.Agreement {
			s.Agreements++
		} else {
			s.Disagreements++
		}
	}
	if s.Total > 0 {
		s.AgreementRate = float64(s.Agreements) / float64(s.Total)
	}
	return s
}
