// Package router selects the best edge server for a client from live
// per-server telemetry. It consumes wholesale metrics snapshots pushed by
// each edge node and never inspects node internals.
package router

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Strategy names a server-selection scoring policy.
type Strategy string

const (
	StrategyGeographic  Strategy = "geographic"
	StrategyPerformance Strategy = "performance"
	StrategyLoadBased   Strategy = "load_based"
	StrategyHybrid      Strategy = "hybrid"
)

// Admission thresholds. SelectServer only considers healthy, non-saturated
// servers; Recommend relaxes the health bar for failover candidate lists.
const (
	selectHealthFloor    = 0.5
	recommendHealthFloor = 0.3
	loadCeiling          = 95.0
	historyCap           = 100
	recommendLimit       = 3
)

// Location is an immutable geographic position with administrative labels.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country"`
	Region    string  `json:"region"`
	City      string  `json:"city"`
}

// ServerMetrics is one node's telemetry snapshot. Snapshots are superseded
// wholesale on update; there is no partial merge.
type ServerMetrics struct {
	ID                string    `json:"id"`
	Location          Location  `json:"location"`
	LoadPercent       float64   `json:"load_percent"`
	AvgResponseTimeMS float64   `json:"avg_response_time_ms"`
	BandwidthPercent  float64   `json:"bandwidth_percent"`
	HealthScore       float64   `json:"health_score"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Weights are the HYBRID strategy factor weights; they always sum to 1.0.
type Weights struct {
	Distance    float64 `json:"distance"`
	Performance float64 `json:"performance"`
	Load        float64 `json:"load"`
}

// Candidate is one ranked entry of a Recommend result.
type Candidate struct {
	ServerID string  `json:"server_id"`
	Score    float64 `json:"score"`
}

// Router ranks a fleet of edge servers for client locations. Metrics updates
// and selection calls run concurrently; snapshots are replaced atomically
// under the lock so no caller observes a partially-written snapshot.
type Router struct {
	mu              sync.RWMutex
	servers         map[string]ServerMetrics
	history         map[string][]float64
	defaultStrategy Strategy
	weights         Weights
	tuner           Tuner
	logger          *zap.Logger
}

func New(defaultStrategy Strategy, weights Weights, logger *zap.Logger) *Router {
	if defaultStrategy == "" {
		defaultStrategy = StrategyHybrid
	}
	if weights == (Weights{}) {
		weights = Weights{Distance: 0.3, Performance: 0.4, Load: 0.3}
	}
	return &Router{
		servers:         make(map[string]ServerMetrics),
		history:         make(map[string][]float64),
		defaultStrategy: defaultStrategy,
		weights:         weights,
		tuner:           NewLatencyTuner(),
		logger:          logger,
	}
}

// SetTuner swaps the weight-tuning strategy.
func (r *Router) SetTuner(t Tuner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tuner = t
}

// RegisterServer records a new server's metrics snapshot.
func (r *Router) RegisterServer(m ServerMetrics) {
	r.UpdateServer(m.ID, m)
	r.logger.Info("edge server registered",
		zap.String("server", m.ID),
		zap.Float64("health", m.HealthScore))
}

// UpdateServer replaces a server's snapshot wholesale and appends the latest
// response-time sample to its bounded rolling history. Stale data is assumed
// valid until superseded; freshness enforcement belongs to the metrics feed.
func (r *Router) UpdateServer(id string, m ServerMetrics) {
	m.ID = id
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.servers[id] = m
	history := append(r.history[id], m.AvgResponseTimeMS)
	if len(history) > historyCap {
		history = history[len(history)-historyCap:]
	}
	r.history[id] = history
}

// Servers returns a copy of all known snapshots in stable ID order.
func (r *Router) Servers() []ServerMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerMetrics, 0, len(r.servers))
	for _, id := range r.sortedIDsLocked() {
		out = append(out, r.servers[id])
	}
	return out
}

// SelectServer returns the best eligible server for the client location
// under the given strategy (empty strategy means the router default). The
// second return value is false when no server passes the admission filter;
// the router never guesses a server in that case.
func (r *Router) SelectServer(client Location, strategy Strategy) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if strategy == "" {
		strategy = r.defaultStrategy
	}

	bestID := ""
	bestScore := -1.0
	for _, id := range r.sortedIDsLocked() {
		m := r.servers[id]
		if m.HealthScore <= selectHealthFloor || m.LoadPercent >= loadCeiling {
			continue
		}
		if s := score(strategy, r.weights, client, m); s > bestScore {
			bestID, bestScore = id, s
		}
	}
	if bestID == "" {
		return "", false
	}
	return bestID, true
}

// Recommend ranks up to three fallback candidates for the client location
// using the default strategy and a relaxed health filter.
func (r *Router) Recommend(client Location) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]Candidate, 0, len(r.servers))
	for _, id := range r.sortedIDsLocked() {
		m := r.servers[id]
		if m.HealthScore <= recommendHealthFloor || m.LoadPercent >= loadCeiling {
			continue
		}
		candidates = append(candidates, Candidate{
			ServerID: id,
			Score:    score(r.defaultStrategy, r.weights, client, m),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > recommendLimit {
		candidates = candidates[:recommendLimit]
	}
	return candidates
}

// TuneWeights feeds latency samples to the configured tuner and adopts the
// resulting HYBRID weights, normalized to sum to 1.0.
func (r *Router) TuneWeights(samples []float64) Weights {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.tuner.Tune(r.weights, samples)
	if sum := next.Distance + next.Performance + next.Load; sum > 0 {
		next.Distance /= sum
		next.Performance /= sum
		next.Load /= sum
	} else {
		next = r.weights
	}

	if next != r.weights {
		r.logger.Info("hybrid weights tuned",
			zap.Float64("distance", next.Distance),
			zap.Float64("performance", next.Performance),
			zap.Float64("load", next.Load))
	}
	r.weights = next
	return next
}

// Weights returns the current HYBRID weights.
func (r *Router) Weights() Weights {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.weights
}

// ResponseTimeSamples flattens all rolling histories, for weight tuning.
func (r *Router) ResponseTimeSamples() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var samples []float64
	for _, id := range r.sortedIDsLocked() {
		samples = append(samples, r.history[id]...)
	}
	return samples
}

func (r *Router) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
