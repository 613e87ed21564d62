package metrics

import (
	"slices"
	"sync"
	"time"

	"github.com/glimte/servicebus-go/messaging"
)

var (
	_ messaging.MetricsCollector = (*Memory)(nil)
	_ messaging.MetricsCollector = (*Prometheus)(nil)
	_ messaging.MetricsCollector = Multi(nil)
)

const maxSamples = 100

// timeStats keeps running totals and the most recent samples of one entity
type timeStats struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
	samples []int64
}

func (s *timeStats) observe(d time.Duration) {
	ms := d.Milliseconds()
	if s.count == 0 || ms < s.minMs {
		s.minMs = ms
	}
	if ms > s.maxMs {
		s.maxMs = ms
	}
	s.count++
	s.totalMs += ms

	if len(s.samples) >= maxSamples {
		s.samples = s.samples[1:]
	}
	s.samples = append(s.samples, ms)
}

func (s *timeStats) stats() LatencyStats {
	out := LatencyStats{Count: s.count, MinMs: s.minMs, MaxMs: s.maxMs}
	if s.count > 0 {
		out.AvgMs = s.totalMs / s.count
	}
	if len(s.samples) > 0 {
		sorted := slices.Clone(s.samples)
		slices.Sort(sorted)
		out.P50Ms = percentile(sorted, 0.50)
		out.P95Ms = percentile(sorted, 0.95)
		out.P99Ms = percentile(sorted, 0.99)
	}
	return out
}

func percentile(sorted []int64, p float64) int64 {
	return sorted[int(float64(len(sorted)-1)*p)]
}

// Memory is an in-process messaging.MetricsCollector for tools and tests
type Memory struct {
	mu sync.RWMutex

	sent       map[string]int64
	sendErrors map[string]int64
	sendTimes  map[string]*timeStats
	outcomes   map[string]map[string]int64
	handleTime map[string]*timeStats
	faults     map[string]map[string]int64
}

// NewMemory creates an empty in-memory collector
func NewMemory() *Memory {
	m := &Memory{}
	m.Reset()
	return m
}

// RecordSend implements messaging.MetricsCollector
func (m *Memory) RecordSend(entity string, count int, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.sendErrors[entity]++
	} else {
		m.sent[entity] += int64(count)
	}
	stats(m.sendTimes, entity).observe(duration)
}

// RecordReceive implements messaging.MetricsCollector
func (m *Memory) RecordReceive(entity string, outcome string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counter(m.outcomes, entity)[outcome]++
	stats(m.handleTime, entity).observe(duration)
}

// RecordTransportFault implements messaging.MetricsCollector
func (m *Memory) RecordTransportFault(entity string, op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter(m.faults, entity)[op]++
}

func stats(byEntity map[string]*timeStats, entity string) *timeStats {
	s, ok := byEntity[entity]
	if !ok {
		s = &timeStats{samples: make([]int64, 0, maxSamples)}
		byEntity[entity] = s
	}
	return s
}

func counter(byEntity map[string]map[string]int64, entity string) map[string]int64 {
	c, ok := byEntity[entity]
	if !ok {
		c = make(map[string]int64)
		byEntity[entity] = c
	}
	return c
}

// Summary is a snapshot of everything a Memory collector recorded
type Summary struct {
	Sent       map[string]int64            `json:"sent"`
	SendErrors map[string]int64            `json:"send_errors"`
	SendTimes  map[string]LatencyStats     `json:"send_times"`
	Received   map[string]map[string]int64 `json:"received"`
	HandleTime map[string]LatencyStats     `json:"handle_times"`
	Faults     map[string]map[string]int64 `json:"faults"`
}

// LatencyStats summarises durations of one entity
type LatencyStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// Summary returns a copy of the collected metrics
func (m *Memory) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		Sent:       copyCounts(m.sent),
		SendErrors: copyCounts(m.sendErrors),
		SendTimes:  make(map[string]LatencyStats, len(m.sendTimes)),
		Received:   make(map[string]map[string]int64, len(m.outcomes)),
		HandleTime: make(map[string]LatencyStats, len(m.handleTime)),
		Faults:     make(map[string]map[string]int64, len(m.faults)),
	}
	for entity, ts := range m.sendTimes {
		s.SendTimes[entity] = ts.stats()
	}
	for entity, ts := range m.handleTime {
		s.HandleTime[entity] = ts.stats()
	}
	for entity, c := range m.outcomes {
		s.Received[entity] = copyCounts(c)
	}
	for entity, c := range m.faults {
		s.Faults[entity] = copyCounts(c)
	}
	return s
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Reset clears all collected metrics
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = make(map[string]int64)
	m.sendErrors = make(map[string]int64)
	m.sendTimes = make(map[string]*timeStats)
	m.outcomes = make(map[string]map[string]int64)
	m.handleTime = make(map[string]*timeStats)
	m.faults = make(map[string]map[string]int64)
}

// Multi fans every record out to several collectors
type Multi []messaging.MetricsCollector

// RecordSend implements messaging.MetricsCollector
func (m Multi) RecordSend(entity string, count int, duration time.Duration, err error) {
	for _, c := range m {
		c.RecordSend(entity, count, duration, err)
	}
}

// RecordReceive implements messaging.MetricsCollector
func (m Multi) RecordReceive(entity string, outcome string, duration time.Duration) {
	for _, c := range m {
		c.RecordReceive(entity, outcome, duration)
	}
}

// RecordTransportFault implements messaging.MetricsCollector
func (m Multi) RecordTransportFault(entity string, op string) {
	for _, c := range m {
		c.RecordTransportFault(entity, op)
	}
}
