// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry samples connection statistics on a fixed cadence
// and derives the UI-facing link quality figures: upstream and
// downstream bitrate in kilobits per second and cumulative packet
// loss.
package telemetry

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sidelink/sidelink/lib/clock"
)

// DefaultInterval is the stats poll cadence.
const DefaultInterval = 1500 * time.Millisecond

// Stats is one raw sample of the transport counters, both directions.
type Stats struct {
	BytesSent     int64
	BytesReceived int64
	PacketsLost   int64
	RTT           time.Duration
}

// StatsSource produces raw samples. The session layer implements it
// over the peer connection's stats report.
type StatsSource interface {
	Stats() (Stats, bool)
}

// Sample is one derived reading delivered to the sink.
type Sample struct {
	UpKbps      int
	DownKbps    int
	PacketsLost int64
	RTT         time.Duration
}

// Sampler polls a StatsSource on a ticker and reports derived samples.
// Each bitrate is the delta of that direction's byte counter between
// consecutive polls scaled to kilobits per second; packet loss is
// reported cumulatively, exactly as the transport counts it.
type Sampler struct {
	source   StatsSource
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	sink     func(Sample)

	mu           sync.Mutex
	ticker       *clock.Ticker
	done         chan struct{}
	prevSent     int64
	prevReceived int64
	prevAt       time.Time
}

// Config collects the sampler's collaborators. A zero Interval takes
// DefaultInterval.
type Config struct {
	Source   StatsSource
	Clock    clock.Clock
	Logger   *slog.Logger
	Interval time.Duration
	Sink     func(Sample)
}

// NewSampler creates a stopped sampler.
func NewSampler(cfg Config) *Sampler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		source:   cfg.Source,
		clock:    cfg.Clock,
		logger:   logger,
		interval: interval,
		sink:     cfg.Sink,
	}
}

// Start begins polling. Starting a running sampler is a no-op.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		return
	}
	s.prevSent = 0
	s.prevReceived = 0
	s.prevAt = s.clock.Now()
	s.ticker = s.clock.NewTicker(s.interval)
	s.done = make(chan struct{})
	go s.run(s.ticker, s.done)
}

// Stop halts polling. Stopping a stopped sampler is a no-op.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.done)
	s.ticker = nil
	s.done = nil
}

func (s *Sampler) run(ticker *clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

// poll takes one sample and delivers the derived reading. A source
// that cannot report (stats not yet available, connection gone) skips
// the reading without disturbing the delta baseline.
func (s *Sampler) poll() {
	stats, ok := s.source.Stats()
	if !ok {
		return
	}

	now := s.clock.Now()

	s.mu.Lock()
	elapsed := now.Sub(s.prevAt)
	deltaSent := stats.BytesSent - s.prevSent
	deltaReceived := stats.BytesReceived - s.prevReceived
	s.prevSent = stats.BytesSent
	s.prevReceived = stats.BytesReceived
	s.prevAt = now
	s.mu.Unlock()

	if elapsed <= 0 {
		return
	}

	if s.sink != nil {
		s.sink(Sample{
			UpKbps:      kbps(deltaSent, elapsed),
			DownKbps:    kbps(deltaReceived, elapsed),
			PacketsLost: stats.PacketsLost,
			RTT:         stats.RTT,
		})
	}
}

// kbps scales a byte delta over an interval to kilobits per second,
// clamping counter resets to zero.
func kbps(deltaBytes int64, elapsed time.Duration) int {
	value := int(math.Round(float64(deltaBytes) * 8 / 1000 / elapsed.Seconds()))
	if value < 0 {
		value = 0
	}
	return value
}
