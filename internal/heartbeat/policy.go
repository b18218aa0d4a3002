package heartbeat

import "time"

const (
	DefaultCPUWeight         = 0.3
	DefaultMemWeight         = 0.3
	DefaultDiskWeight        = 0.2
	DefaultIssuePenalty      = 20.0
	DefaultIssueSaturation   = 5
	DefaultDegradedThreshold = 90.0
	DefaultMaxClockSkew      = time.Minute
)

// Policy holds the health scoring weights and thresholds.
type Policy struct {
	CPUWeight  float64
	MemWeight  float64
	DiskWeight float64
	// IssuePenalty is subtracted in full once the report carries
	// IssueSaturation or more issues, proportionally below that.
	IssuePenalty    float64
	IssueSaturation int
	// DegradedThreshold is the utilisation percentage at or above which a
	// report counts as resource pressure.
	DegradedThreshold float64
	MaxClockSkew      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		CPUWeight:         DefaultCPUWeight,
		MemWeight:         DefaultMemWeight,
		DiskWeight:        DefaultDiskWeight,
		IssuePenalty:      DefaultIssuePenalty,
		IssueSaturation:   DefaultIssueSaturation,
		DegradedThreshold: DefaultDegradedThreshold,
		MaxClockSkew:      DefaultMaxClockSkew,
	}
}

// withDefaults fills unset fields. Zero weights are kept: a deployment may
// choose to ignore a dimension.
func (p Policy) withDefaults() Policy {
	if p.CPUWeight == 0 && p.MemWeight == 0 && p.DiskWeight == 0 {
		p.CPUWeight, p.MemWeight, p.DiskWeight = DefaultCPUWeight, DefaultMemWeight, DefaultDiskWeight
	}
	if p.IssuePenalty < 0 {
		p.IssuePenalty = 0
	}
	if p.IssueSaturation <= 0 {
		p.IssueSaturation = DefaultIssueSaturation
	}
	if p.DegradedThreshold <= 0 {
		p.DegradedThreshold = DefaultDegradedThreshold
	}
	if p.MaxClockSkew <= 0 {
		p.MaxClockSkew = DefaultMaxClockSkew
	}
	return p
}

// Score computes the 0-100 health score for a report.
func (p Policy) Score(cpuPct, memPct, diskPct float64, issueCount int) float64 {
	load := p.CPUWeight*cpuPct + p.MemWeight*memPct + p.DiskWeight*diskPct
	penalty := p.IssuePenalty * min(1, float64(issueCount)/float64(p.IssueSaturation))
	return clamp(100-load-penalty, 0, 100)
}

func (p Policy) UnderPressure(cpuPct, memPct, diskPct float64) bool {
	return cpuPct >= p.DegradedThreshold || memPct >= p.DegradedThreshold || diskPct >= p.DegradedThreshold
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
