package estimator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/preempt-io/preempt/pkg/config"
	"github.com/preempt-io/preempt/pkg/events"
	"github.com/preempt-io/preempt/pkg/log"
	"github.com/preempt-io/preempt/pkg/metrics"
	"github.com/preempt-io/preempt/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidSample indicates a malformed signal vector (missing required
	// signals or out-of-range values). The sample is dropped; server state
	// is unaffected.
	ErrInvalidSample = errors.New("invalid sample")

	// ErrUnknownServer indicates a query for a server with no recorded
	// samples. Recoverable; the caller retries after telemetry arrives.
	ErrUnknownServer = errors.New("unknown server")
)

// Estimator turns raw per-server telemetry into reliability scores and
// migration advisories. Each server's window is an independently lockable
// unit; operations on different servers never block each other.
type Estimator struct {
	cfg    config.EstimatorConfig
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.RWMutex
	servers map[string]*serverWindow

	advisoryCh chan *types.MigrationAdvisory
}

// serverWindow holds the per-server monitoring state: the bounded sample
// window, the derived score history, and the advisory arming flag.
type serverWindow struct {
	mu sync.Mutex

	samples []windowSample
	seen    map[int64]struct{} // timestamps present in the window, for idempotence

	lastScore *types.ReliabilityScore
	recent    []float64 // score history for the trend hysteresis check

	// armed is true when a fresh advisory may fire. It flips false on
	// trigger and back to true only after the score recovers above
	// threshold + margin.
	armed bool

	stats failureTracker
}

type windowSample struct {
	ts     time.Time
	health float64 // per-sample health in [0,1], 1 = fully healthy
}

// New creates an Estimator. Advisories are delivered on the channel returned
// by Advisories and mirrored as events on the broker.
func New(cfg config.EstimatorConfig, broker *events.Broker) *Estimator {
	return &Estimator{
		cfg:        cfg,
		broker:     broker,
		logger:     log.WithComponent("estimator"),
		servers:    make(map[string]*serverWindow),
		advisoryCh: make(chan *types.MigrationAdvisory, 64),
	}
}

// Advisories returns the channel on which migration advisories are
// delivered. At most one advisory is emitted per continuous
// threshold-crossing interval per server.
func (e *Estimator) Advisories() <-chan *types.MigrationAdvisory {
	return e.advisoryCh
}

// AddServer registers a server in the monitoring table. Idempotent.
func (e *Estimator) AddServer(serverID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.servers[serverID]; !ok {
		e.servers[serverID] = &serverWindow{
			seen:  make(map[int64]struct{}),
			armed: true,
		}
	}
}

// RemoveServer deletes a server's monitoring state. Called on permanent
// cluster membership removal.
func (e *Estimator) RemoveServer(serverID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.servers, serverID)
	metrics.ReliabilityScore.DeleteLabelValues(serverID)
}

func (e *Estimator) window(serverID string) *serverWindow {
	e.mu.RLock()
	w := e.servers[serverID]
	e.mu.RUnlock()
	return w
}

// RecordSample validates and records one telemetry sample and recomputes the
// server's reliability score. Returns the updated score. Duplicate
// (server, timestamp) samples are ignored so retransmissions never
// double-count in the trend computation.
func (e *Estimator) RecordSample(sample *types.ReliabilitySample) (*types.ReliabilityScore, error) {
	health, err := e.healthOf(sample)
	if err != nil {
		metrics.SamplesRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	w := e.window(sample.ServerID)
	if w == nil {
		// Unknown servers are registered on first contact; membership
		// removal is the only way out of the table.
		e.AddServer(sample.ServerID)
		w = e.window(sample.ServerID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	key := sample.Timestamp.UnixNano()
	if _, dup := w.seen[key]; dup {
		metrics.SamplesRejected.WithLabelValues("duplicate").Inc()
		e.logger.Debug().
			Str("server_id", sample.ServerID).
			Time("timestamp", sample.Timestamp).
			Msg("duplicate sample ignored")
		return w.lastScore, nil
	}

	// Samples older than the oldest retained sample are dropped rather than
	// re-ordered; anything newer is inserted in timestamp order.
	if len(w.samples) > 0 && sample.Timestamp.Before(w.samples[0].ts) {
		metrics.SamplesRejected.WithLabelValues("stale").Inc()
		return w.lastScore, nil
	}

	w.insert(windowSample{ts: sample.Timestamp, health: health})
	w.seen[key] = struct{}{}
	w.evict(e.cfg.WindowSize, e.cfg.SampleHorizon)
	metrics.SamplesRecorded.Inc()

	score := e.computeScore(sample.ServerID, w)
	w.lastScore = score
	w.recent = append(w.recent, score.Score)
	if len(w.recent) > e.cfg.WindowSize {
		w.recent = w.recent[len(w.recent)-e.cfg.WindowSize:]
	}
	metrics.ReliabilityScore.WithLabelValues(sample.ServerID).Set(score.Score)

	e.evaluateTrigger(sample.ServerID, w, score)

	return score, nil
}

// CurrentScore returns the latest computed score for a server.
func (e *Estimator) CurrentScore(serverID string) (*types.ReliabilityScore, error) {
	w := e.window(serverID)
	if w == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastScore == nil {
		return nil, fmt.Errorf("%w: %s has no samples yet", ErrUnknownServer, serverID)
	}
	return w.lastScore, nil
}

// healthOf validates the signal vector and folds it into a single per-sample
// health value in [0,1].
func (e *Estimator) healthOf(sample *types.ReliabilitySample) (float64, error) {
	if sample == nil || sample.ServerID == "" {
		return 0, fmt.Errorf("%w: missing server id", ErrInvalidSample)
	}
	if sample.Timestamp.IsZero() {
		return 0, fmt.Errorf("%w: missing timestamp", ErrInvalidSample)
	}

	var weighted, totalWeight float64
	for _, sig := range e.cfg.Signals {
		value, ok := sample.Signals[sig.Name]
		if !ok {
			if sig.Required {
				return 0, fmt.Errorf("%w: missing required signal %q", ErrInvalidSample, sig.Name)
			}
			continue
		}
		if value < sig.Min || value > sig.Max {
			return 0, fmt.Errorf("%w: signal %q value %v outside [%v,%v]",
				ErrInvalidSample, sig.Name, value, sig.Min, sig.Max)
		}
		badness := (value - sig.Min) / (sig.Max - sig.Min)
		weighted += badness * sig.Weight
		totalWeight += sig.Weight
	}
	if totalWeight == 0 {
		return 0, fmt.Errorf("%w: no recognized signals", ErrInvalidSample)
	}

	return 1 - weighted/totalWeight, nil
}

// computeScore derives the score as a weighted combination of the smoothed
// level (EMA over the window) and a trend term (the level projected forward
// by the fitted slope). The EMA is recomputed over the whole window so that
// in-window out-of-order arrivals yield the same result as in-order ones.
func (e *Estimator) computeScore(serverID string, w *serverWindow) *types.ReliabilityScore {
	ema := w.samples[0].health
	for _, s := range w.samples[1:] {
		ema = e.cfg.EMAAlpha*s.health + (1-e.cfg.EMAAlpha)*ema
	}

	slope := w.slope()
	projected := clamp01(ema + slope*float64(e.cfg.TrendSamples))
	score := clamp01(e.cfg.LevelWeight*ema + e.cfg.TrendWeight*projected)

	last := w.samples[len(w.samples)-1]
	return &types.ReliabilityScore{
		ServerID:   serverID,
		Score:      score,
		Slope:      slope,
		SampleTime: last.ts,
		Samples:    len(w.samples),
	}
}

// evaluateTrigger fires at most one advisory per continuous crossing
// interval: score below threshold, trend non-increasing for the configured
// number of samples, and the server still armed.
func (e *Estimator) evaluateTrigger(serverID string, w *serverWindow, score *types.ReliabilityScore) {
	if !w.armed {
		if score.Score >= e.cfg.ReliabilityThreshold+e.cfg.HysteresisMargin {
			w.armed = true
			e.logger.Info().
				Str("server_id", serverID).
				Float64("score", score.Score).
				Msg("server recovered, advisory re-armed")
		}
		return
	}

	if score.Score >= e.cfg.ReliabilityThreshold {
		return
	}
	if !w.nonIncreasing(e.cfg.TrendSamples) {
		return
	}

	w.armed = false
	advisory := &types.MigrationAdvisory{
		SourceServerID:     serverID,
		ScoreAtTrigger:     score.Score,
		SlopeAtTrigger:     score.Slope,
		PredictedFailureIn: w.predictFailureIn(score),
		RaisedAt:           score.SampleTime,
	}

	metrics.AdvisoriesRaised.Inc()
	e.logger.Warn().
		Str("server_id", serverID).
		Float64("score", score.Score).
		Float64("slope", score.Slope).
		Dur("predicted_failure_in", advisory.PredictedFailureIn).
		Msg("reliability threshold crossed, raising migration advisory")

	e.broker.Publish(&events.Event{
		Type:     events.EventAdvisoryRaised,
		ServerID: serverID,
		Message:  fmt.Sprintf("reliability score %.4f below threshold %.4f", score.Score, e.cfg.ReliabilityThreshold),
		Metadata: map[string]string{
			"score": fmt.Sprintf("%.4f", score.Score),
			"slope": fmt.Sprintf("%.6f", score.Slope),
		},
	})

	select {
	case e.advisoryCh <- advisory:
	default:
		// Consumer backlogged; the advisory is lost but the server stays
		// armed-down, so the next recovery/re-crossing cycle retriggers.
		e.logger.Error().Str("server_id", serverID).Msg("advisory channel full, dropping advisory")
	}
}

// insert places s into the window keeping timestamp order.
func (w *serverWindow) insert(s windowSample) {
	idx := sort.Search(len(w.samples), func(i int) bool {
		return w.samples[i].ts.After(s.ts)
	})
	w.samples = append(w.samples, windowSample{})
	copy(w.samples[idx+1:], w.samples[idx:])
	w.samples[idx] = s
}

// evict drops samples beyond the window size and past the horizon.
func (w *serverWindow) evict(windowSize int, horizon time.Duration) {
	if len(w.samples) > windowSize {
		drop := len(w.samples) - windowSize
		w.dropOldest(drop)
	}
	if horizon > 0 && len(w.samples) > 1 {
		newest := w.samples[len(w.samples)-1].ts
		cut := 0
		for cut < len(w.samples)-1 && newest.Sub(w.samples[cut].ts) > horizon {
			cut++
		}
		if cut > 0 {
			w.dropOldest(cut)
		}
	}
}

func (w *serverWindow) dropOldest(n int) {
	for _, s := range w.samples[:n] {
		delete(w.seen, s.ts.UnixNano())
	}
	w.samples = w.samples[n:]
}

// slope returns the least-squares slope of health against sample index.
// Units are health per sample.
func (w *serverWindow) slope() float64 {
	n := len(w.samples)
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, s := range w.samples {
		x := float64(i)
		sumX += x
		sumY += s.health
		sumXY += x * s.health
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

// nonIncreasing reports whether the last k computed scores never rose.
// Requires at least k scores so a single noisy sample cannot trigger.
func (w *serverWindow) nonIncreasing(k int) bool {
	if len(w.recent) < k {
		return false
	}
	tail := w.recent[len(w.recent)-k:]
	for i := 1; i < len(tail); i++ {
		if tail[i] > tail[i-1]+1e-9 {
			return false
		}
	}
	return true
}

// predictFailureIn extrapolates the fitted slope to the score's zero
// crossing, in wall time, using the window's mean sample interval. The
// estimate is advisory only and capped at 24h.
func (w *serverWindow) predictFailureIn(score *types.ReliabilityScore) time.Duration {
	const horizon = 24 * time.Hour
	if score.Slope >= 0 {
		return horizon
	}

	interval := time.Second
	if n := len(w.samples); n >= 2 {
		interval = w.samples[n-1].ts.Sub(w.samples[0].ts) / time.Duration(n-1)
		if interval <= 0 {
			interval = time.Second
		}
	}

	samplesToZero := score.Score / -score.Slope
	d := time.Duration(samplesToZero * float64(interval))
	if d > horizon || d < 0 {
		return horizon
	}
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
