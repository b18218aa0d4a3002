package heartbeat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name           string
		cpu, mem, disk float64
		issues         int
		want           float64
	}{
		{"idle", 0, 0, 0, 0, 100},
		{"half loaded", 50, 50, 50, 0, 60},
		{"fully loaded", 100, 100, 100, 0, 20},
		{"issues saturate penalty", 0, 0, 0, 50, 80},
		{"partial issue penalty", 0, 0, 0, 1, 96},
		{"floor at zero", 100, 100, 100, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, p.Score(tt.cpu, tt.mem, tt.disk, tt.issues), 0.0001)
		})
	}
}

func TestUnderPressure(t *testing.T) {
	p := DefaultPolicy()

	assert.False(t, p.UnderPressure(89.9, 50, 10))
	assert.True(t, p.UnderPressure(90, 0, 0))
	assert.True(t, p.UnderPressure(0, 95, 0))
	assert.True(t, p.UnderPressure(0, 0, 100))
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	assert.Equal(t, DefaultCPUWeight, p.CPUWeight)
	assert.Equal(t, DefaultDegradedThreshold, p.DegradedThreshold)
	assert.Equal(t, DefaultMaxClockSkew, p.MaxClockSkew)

	custom := Policy{DiskWeight: 1}.withDefaults()
	assert.Zero(t, custom.CPUWeight)
	assert.Equal(t, 1.0, custom.DiskWeight)
}
