package builder

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/songzhibin97/autoflow/types"
)

var simulatedFailures = []string{
	"scenario quota exceeded",
	"connection to integration provider refused",
	"module configuration rejected",
}

// Simulator stands in for the builder service with realistic latency and
// a configurable failure rate.
type Simulator struct {
	minLatency  time.Duration
	maxLatency  time.Duration
	failureRate float64
	viewBase    string
	rand        *rand.Rand
	mu          sync.Mutex
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithLatency sets the latency range.
func WithLatency(lo, hi time.Duration) SimulatorOption {
	return func(s *Simulator) {
		if hi < lo {
			hi = lo
		}
		s.minLatency, s.maxLatency = lo, hi
	}
}

// WithFailureRate sets the share of deploys that return success false.
func WithFailureRate(rate float64) SimulatorOption {
	return func(s *Simulator) {
		s.failureRate = rate
	}
}

// WithSeed makes outcomes reproducible.
func WithSeed(seed int64) SimulatorOption {
	return func(s *Simulator) {
		s.rand = rand.New(rand.NewSource(seed))
	}
}

// WithViewBase sets the base of returned view URLs.
func WithViewBase(base string) SimulatorOption {
	return func(s *Simulator) {
		s.viewBase = strings.TrimRight(base, "/")
	}
}

// NewSimulator defaults to 2-5s latency and a 10% failure rate.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		minLatency:  2 * time.Second,
		maxLatency:  5 * time.Second,
		failureRate: 0.1,
		viewBase:    "https://builder.example.com",
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deploy implements the Client interface.
func (s *Simulator) Deploy(ctx context.Context, wf types.Workflow, tenantID string) (*Result, error) {
	s.mu.Lock()
	latency := s.minLatency
	if span := s.maxLatency - s.minLatency; span > 0 {
		latency += time.Duration(s.rand.Int63n(int64(span)))
	}
	fail := s.rand.Float64() < s.failureRate
	reason := simulatedFailures[s.rand.Intn(len(simulatedFailures))]
	s.mu.Unlock()

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if fail {
		return &Result{Success: false, Error: reason}, nil
	}
	id := "scn_" + strings.ToLower(ulid.Make().String())
	return &Result{
		Success:    true,
		ScenarioID: id,
		ViewURL:    s.viewBase + "/scenarios/" + id,
	}, nil
}
