// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2023 Datadog, Inc.

package profiler

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := defaultConfig()
	require.NoError(t, err)
	assert := assert.New(t)
	assert.Equal(DefaultBufferSize, cfg.bufferSize)
	assert.Equal(DefaultPoolRatio, cfg.poolRatio)
	assert.Equal(DefaultDrainInterval, cfg.drainInterval)
	assert.Equal(1, cfg.drainWorkers)
	assert.Contains(cfg.tags, fmt.Sprintf("pid:%d", os.Getpid()))
	assert.Nil(cfg.handler)
}

func TestEnvConfig(t *testing.T) {
	t.Run("values", func(t *testing.T) {
		t.Setenv("STATPROF_BUFFER_SIZE", "4096")
		t.Setenv("STATPROF_POOL_RATIO", "2.5")
		t.Setenv("STATPROF_DRAIN_INTERVAL", "250ms")
		cfg, err := defaultConfig()
		require.NoError(t, err)
		assert.Equal(t, 4096, cfg.bufferSize)
		assert.Equal(t, 2.5, cfg.poolRatio)
		assert.Equal(t, 250*time.Millisecond, cfg.drainInterval)
	})

	t.Run("invalid-size", func(t *testing.T) {
		t.Setenv("STATPROF_BUFFER_SIZE", "huge")
		_, err := defaultConfig()
		assert.Error(t, err)
	})

	t.Run("invalid-ratio", func(t *testing.T) {
		t.Setenv("STATPROF_POOL_RATIO", "x")
		_, err := defaultConfig()
		assert.Error(t, err)
	})

	t.Run("invalid-interval", func(t *testing.T) {
		t.Setenv("STATPROF_DRAIN_INTERVAL", "often")
		_, err := defaultConfig()
		assert.Error(t, err)
	})
}

func TestOptions(t *testing.T) {
	t.Run("WithBufferSize", func(t *testing.T) {
		var cfg config
		WithBufferSize(1024)(&cfg)
		assert.Equal(t, 1024, cfg.bufferSize)
	})

	t.Run("WithPoolRatio", func(t *testing.T) {
		var cfg config
		WithPoolRatio(4)(&cfg)
		assert.Equal(t, 4.0, cfg.poolRatio)
	})

	t.Run("WithDrainInterval", func(t *testing.T) {
		var cfg config
		WithDrainInterval(time.Second)(&cfg)
		assert.Equal(t, time.Second, cfg.drainInterval)
	})

	t.Run("WithDrainWorkers", func(t *testing.T) {
		var cfg config
		WithDrainWorkers(3)(&cfg)
		assert.Equal(t, 3, cfg.drainWorkers)
	})

	t.Run("WithSampleHandler", func(t *testing.T) {
		var cfg config
		called := false
		WithSampleHandler(func([]uint64) { called = true })(&cfg)
		cfg.handler(nil)
		assert.True(t, called)
	})

	t.Run("WithTags", func(t *testing.T) {
		var cfg config
		WithTags("env:test", "svc:x")(&cfg)
		assert.Equal(t, []string{"env:test", "svc:x"}, cfg.tags)
	})
}

func TestConfigValidate(t *testing.T) {
	cfg, err := defaultConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.validate())

	cfg.drainInterval = 0
	assert.Error(t, cfg.validate())

	cfg.drainInterval = DefaultDrainInterval
	cfg.drainWorkers = 0
	assert.Error(t, cfg.validate())
}
