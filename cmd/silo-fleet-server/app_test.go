package main

import (
	"testing"
	"time"

	"github.com/EternisAI/silo-fleet/internal/heartbeat"
	"github.com/stretchr/testify/assert"
)

func TestHeartbeatPolicy(t *testing.T) {
	t.Run("unset keeps defaults", func(t *testing.T) {
		assert.Equal(t, heartbeat.DefaultPolicy(), heartbeatPolicy(NodesConfig{}))
	})

	t.Run("explicit zero penalty", func(t *testing.T) {
		zero := 0.0
		p := heartbeatPolicy(NodesConfig{IssuePenalty: &zero})
		assert.Zero(t, p.IssuePenalty)
		assert.Equal(t, 100.0, p.Score(0, 0, 0, 10))
	})

	t.Run("overrides", func(t *testing.T) {
		penalty := 30.0
		p := heartbeatPolicy(NodesConfig{
			CPUWeight:         0.5,
			MemWeight:         0.25,
			DiskWeight:        0.25,
			IssuePenalty:      &penalty,
			IssueSaturation:   2,
			DegradedThreshold: 80,
			MaxClockSkew:      30 * time.Second,
		})
		assert.Equal(t, 0.5, p.CPUWeight)
		assert.Equal(t, 30.0, p.IssuePenalty)
		assert.Equal(t, 2, p.IssueSaturation)
		assert.Equal(t, 80.0, p.DegradedThreshold)
		assert.Equal(t, 30*time.Second, p.MaxClockSkew)
		assert.Equal(t, 70.0, p.Score(0, 0, 0, 2))
		assert.Equal(t, 85.0, p.Score(0, 0, 0, 1))
	})
}
