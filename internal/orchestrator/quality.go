package orchestrator

import (
	"sync"
	"time"
)

// QualityLevel is one of the ordered quality presets spec §4.4 names.
type QualityLevel int

const (
	QualityLow QualityLevel = iota
	QualityMedium
	QualityHigh
	QualityUltra
)

func (q QualityLevel) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	case QualityUltra:
		return "ultra"
	default:
		return "unknown"
	}
}

// QualityParams are the concrete parameter caps a level carries,
// consumed by downstream collaborators (spec §4.4: "Each level carries
// concrete parameter caps (texture size, light count, shadow samples,
// etc.)").
type QualityParams struct {
	TextureSize   int
	LightCount    int
	ShadowSamples int
}

// defaultQualityParams is the ladder of presets from low to ultra.
var defaultQualityParams = map[QualityLevel]QualityParams{
	QualityLow:    {TextureSize: 512, LightCount: 4, ShadowSamples: 1},
	QualityMedium: {TextureSize: 1024, LightCount: 8, ShadowSamples: 2},
	QualityHigh:   {TextureSize: 2048, LightCount: 16, ShadowSamples: 4},
	QualityUltra:  {TextureSize: 4096, LightCount: 32, ShadowSamples: 8},
}

// QualityAdapter selects a quality level from measured metrics against a
// configured target frame time, transitioning hysteretically: the current
// level is held unless metrics cross the upgrade/downgrade band for a
// configured dwell time (spec §4.4 "Quality adaptation").
type QualityAdapter struct {
	mu               sync.Mutex
	current          QualityLevel
	dwell            time.Duration
	belowSince       time.Time // target met continuously since this time (upgrade candidate)
	aboveSince       time.Time // target missed continuously since this time (downgrade candidate)
	params           map[QualityLevel]QualityParams
}

// NewQualityAdapter constructs an adapter starting at QualityHigh (a
// conservative, broadly-compatible default) with the given dwell time in
// seconds (default 2s per spec §4.4).
func NewQualityAdapter(dwellSeconds int) *QualityAdapter {
	if dwellSeconds <= 0 {
		dwellSeconds = 2
	}
	return &QualityAdapter{
		current: QualityHigh,
		dwell:   time.Duration(dwellSeconds) * time.Second,
		params:  defaultQualityParams,
	}
}

// Current returns the adapter's active quality level and its parameter caps.
func (q *QualityAdapter) Current() (QualityLevel, QualityParams) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current, q.params[q.current]
}

// Observe feeds one frame-time measurement against targetFrameTime,
// returning the (possibly unchanged) active quality level. Frame times
// comfortably under target for a full dwell window upgrade one step;
// frame times over target for a full dwell window downgrade one step.
// "Comfortably under" means under 80% of target, matching the same
// relative band the downgrade side uses (20% over target, spec §4.4's
// bottleneck-warning percentage, reused here for symmetry).
func (q *QualityAdapter) Observe(frameTime, targetFrameTime time.Duration) QualityLevel {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	upgradeBand := time.Duration(float64(targetFrameTime) * 0.8)
	downgradeBand := time.Duration(float64(targetFrameTime) * 1.2)

	switch {
	case frameTime <= upgradeBand:
		if q.belowSince.IsZero() {
			q.belowSince = now
		}
		q.aboveSince = time.Time{}
		if q.current < QualityUltra && now.Sub(q.belowSince) >= q.dwell {
			q.current++
			q.belowSince = time.Time{}
		}
	case frameTime >= downgradeBand:
		if q.aboveSince.IsZero() {
			q.aboveSince = now
		}
		q.belowSince = time.Time{}
		if q.current > QualityLow && now.Sub(q.aboveSince) >= q.dwell {
			q.current--
			q.aboveSince = time.Time{}
		}
	default:
		q.belowSince = time.Time{}
		q.aboveSince = time.Time{}
	}

	return q.current
}
