// Copyright 2026 The Sidelink Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/sidelink/sidelink/lib/clock"
)

type fakeSource struct {
	mu    sync.Mutex
	stats Stats
	ok    bool
}

func (f *fakeSource) Stats() (Stats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.ok
}

func (f *fakeSource) set(sent, received, lost int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = Stats{BytesSent: sent, BytesReceived: received, PacketsLost: lost}
	f.ok = true
}

func newTestSampler(t *testing.T) (*Sampler, *fakeSource, *clock.FakeClock, chan Sample) {
	t.Helper()
	source := &fakeSource{}
	fake := clock.Fake(time.Unix(1000, 0))
	samples := make(chan Sample, 16)
	sampler := NewSampler(Config{
		Source: source,
		Clock:  fake,
		Sink:   func(sample Sample) { samples <- sample },
	})
	t.Cleanup(sampler.Stop)
	return sampler, source, fake, samples
}

func take(t *testing.T, samples chan Sample) Sample {
	t.Helper()
	select {
	case sample := <-samples:
		return sample
	case <-time.After(5 * time.Second):
		t.Fatal("no sample delivered")
		return Sample{}
	}
}

func TestDownstreamBitrateFromByteDelta(t *testing.T) {
	sampler, source, fake, samples := newTestSampler(t)

	// 187500 bytes over 1.5 s is exactly 1000 kbps.
	source.set(0, 187500, 0)
	sampler.Start()
	fake.Advance(DefaultInterval)

	sample := take(t, samples)
	if sample.DownKbps != 1000 {
		t.Errorf("down kbps = %d, want 1000", sample.DownKbps)
	}
	if sample.UpKbps != 0 {
		t.Errorf("up kbps = %d, want 0 with nothing sent", sample.UpKbps)
	}

	// Second interval adds half as much.
	source.set(0, 187500+93750, 3)
	fake.Advance(DefaultInterval)

	sample = take(t, samples)
	if sample.DownKbps != 500 {
		t.Errorf("down kbps = %d, want 500", sample.DownKbps)
	}
	if sample.PacketsLost != 3 {
		t.Errorf("packets lost = %d, want cumulative 3", sample.PacketsLost)
	}
}

func TestUpstreamBitrateFromByteDelta(t *testing.T) {
	sampler, source, fake, samples := newTestSampler(t)

	source.set(187500, 0, 0)
	sampler.Start()
	fake.Advance(DefaultInterval)

	sample := take(t, samples)
	if sample.UpKbps != 1000 {
		t.Errorf("up kbps = %d, want 1000", sample.UpKbps)
	}
	if sample.DownKbps != 0 {
		t.Errorf("down kbps = %d, want 0 with nothing received", sample.DownKbps)
	}

	// The directions move independently.
	source.set(187500+93750, 187500, 0)
	fake.Advance(DefaultInterval)

	sample = take(t, samples)
	if sample.UpKbps != 500 {
		t.Errorf("up kbps = %d, want 500", sample.UpKbps)
	}
	if sample.DownKbps != 1000 {
		t.Errorf("down kbps = %d, want 1000", sample.DownKbps)
	}
}

func TestNegativeDeltaClampsToZero(t *testing.T) {
	sampler, source, fake, samples := newTestSampler(t)

	source.set(5000, 5000, 0)
	sampler.Start()
	fake.Advance(DefaultInterval)
	take(t, samples)

	// A transport restart can reset the counters backwards.
	source.set(100, 100, 0)
	fake.Advance(DefaultInterval)

	sample := take(t, samples)
	if sample.UpKbps != 0 || sample.DownKbps != 0 {
		t.Errorf("kbps = %d/%d, want 0/0 after counter reset", sample.UpKbps, sample.DownKbps)
	}
}

func TestUnavailableStatsSkipped(t *testing.T) {
	sampler, _, fake, samples := newTestSampler(t)

	sampler.Start()
	fake.Advance(DefaultInterval)

	select {
	case sample := <-samples:
		t.Fatalf("sample %+v delivered with no stats available", sample)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStartStopIdempotent(t *testing.T) {
	sampler, source, fake, samples := newTestSampler(t)
	source.set(1000, 1000, 0)

	sampler.Start()
	sampler.Start()
	fake.Advance(DefaultInterval)
	take(t, samples)

	sampler.Stop()
	sampler.Stop()

	fake.Advance(DefaultInterval)
	select {
	case sample := <-samples:
		t.Fatalf("sample %+v delivered after Stop", sample)
	case <-time.After(20 * time.Millisecond):
	}

	// Restart works and re-baselines.
	sampler.Start()
	fake.Advance(DefaultInterval)
	take(t, samples)
}
