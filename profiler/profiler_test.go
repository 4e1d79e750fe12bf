// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2023 Datadog, Inc.

package profiler

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/statprof/statprof-go/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// testStatsdClient records Count calls for inspection. A non-nil err is
// returned from every call after recording.
type testStatsdClient struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (c *testStatsdClient) Count(event string, times int64, _ []string, _ float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int64)
	}
	c.counts[event] += times
	return c.err
}

func (c *testStatsdClient) count(event string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[event]
}

func TestStart(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		require.NoError(t, Start())
		defer Stop()

		mu.Lock()
		require.NotNil(t, activeProfiler)
		assert := assert.New(t)
		assert.Equal(DefaultBufferSize, activeProfiler.cfg.bufferSize)
		assert.Equal(DefaultPoolRatio, activeProfiler.cfg.poolRatio)
		assert.Equal(DefaultDrainInterval, activeProfiler.cfg.drainInterval)
		mu.Unlock()
	})

	t.Run("options", func(t *testing.T) {
		require.NoError(t, Start(WithBufferSize(256), WithPoolRatio(2), WithDrainInterval(time.Millisecond)))
		defer Stop()

		mu.Lock()
		require.NotNil(t, activeProfiler)
		assert.Equal(t, 256, activeProfiler.cfg.bufferSize)
		assert.Equal(t, 2.0, activeProfiler.cfg.poolRatio)
		mu.Unlock()
	})

	t.Run("bad-buffer-size", func(t *testing.T) {
		assert.Error(t, Start(WithBufferSize(5)))
	})

	t.Run("bad-interval", func(t *testing.T) {
		assert.Error(t, Start(WithDrainInterval(-time.Second)))
	})

	t.Run("restart", func(t *testing.T) {
		require.NoError(t, Start())
		require.NoError(t, Start())
		Stop()
	})
}

func TestStopIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	require.NoError(t, Start(WithDrainInterval(time.Millisecond)))
	Stop()
	Stop()
}

func TestThreadHooksInactive(t *testing.T) {
	assert.Nil(t, ThreadStart(), "no profiler running")
	assert.NotPanics(t, func() { ThreadExit(nil) })
	assert.EqualValues(t, 0, MissedSamples())
}

func TestCaptureEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	var (
		smu     sync.Mutex
		samples [][]uint64
	)
	statsd := &testStatsdClient{}
	require.NoError(t, Start(
		WithBufferSize(64),
		WithDrainInterval(time.Millisecond),
		WithStatsd(statsd),
		WithSampleHandler(func(sample []uint64) {
			cp := make([]uint64, len(sample))
			copy(cp, sample)
			smu.Lock()
			samples = append(samples, cp)
			smu.Unlock()
		}),
	))

	tc := ThreadStart()
	require.NotNil(t, tc)
	for i := uint64(0); i < 3; i++ {
		require.True(t, tc.BeginSample())
		require.True(t, tc.AppendUint64(i))
		require.True(t, tc.AppendUint64(i*10))
		tc.Commit()
	}
	assert.EqualValues(t, 0, MissedSamples())
	ThreadExit(tc)
	Stop() // final drain flushes the retired buffer

	smu.Lock()
	defer smu.Unlock()
	require.Len(t, samples, 3)
	// Buffers drain in no particular order relative to each other, so match
	// samples as a set.
	assert.ElementsMatch(t, [][]uint64{{0, 0}, {1, 10}, {2, 20}}, samples)
	assert.EqualValues(t, 3, statsd.count("statprof.sampler.samples"))
	// The third sample overflows the 64 byte buffer, retiring the full one;
	// the drain hands it back to the free pool and counts the round trip.
	assert.EqualValues(t, 1, statsd.count("statprof.sampler.recycled"))
}

func TestSampleHandlerPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := new(log.RecordLogger)
	defer log.UseLogger(rl)()

	require.NoError(t, Start(
		WithDrainInterval(time.Millisecond),
		WithSampleHandler(func([]uint64) { panic("boom") }),
	))
	tc := ThreadStart()
	require.NotNil(t, tc)
	require.True(t, tc.BeginSample())
	require.True(t, tc.AppendUint64(7))
	tc.Commit()
	ThreadExit(tc)
	Stop()

	log.Flush()
	joined := strings.Join(rl.Logs(), "\n")
	assert.Contains(t, joined, "drain worker")
	assert.Contains(t, joined, "sample handler panicked: boom")
}

func TestStatsdErrorsAggregated(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := new(log.RecordLogger)
	defer log.UseLogger(rl)()

	statsd := &testStatsdClient{err: errors.New("socket closed")}
	require.NoError(t, Start(WithDrainInterval(time.Millisecond), WithStatsd(statsd)))
	tc := ThreadStart()
	require.NotNil(t, tc)
	require.True(t, tc.BeginSample())
	require.True(t, tc.AppendUint64(1))
	tc.Commit()
	ThreadExit(tc)
	Stop()

	log.Flush()
	joined := strings.Join(rl.Logs(), "\n")
	assert.Contains(t, joined,
		"submitting statprof.sampler.samples to statsd: socket closed")
}

func TestDrainWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)
	require.NoError(t, Start(WithDrainInterval(time.Millisecond), WithDrainWorkers(4)))
	tc := ThreadStart()
	require.NotNil(t, tc)
	require.True(t, tc.BeginSample())
	require.True(t, tc.AppendUint64(1))
	tc.Commit()
	ThreadExit(tc)
	time.Sleep(10 * time.Millisecond)
	Stop()
}
