package engine

import (
	"math"
	"time"
)

// Plan is the wave breakdown for a contact count
type Plan struct {
	Total         int   `json:"total"`
	Limit         int   `json:"limit"`
	Waves         int   `json:"waves"`
	LastWaveSize  int   `json:"lastWaveSize"`
	AvgDelay      int64 `json:"avgDelay"` // milliseconds
	AvgWaveMs     int64 `json:"avgWaveMs"`
	ApproxTotalMs int64 `json:"approxTotalMs"`
}

// NewPlan splits total contacts into waves of at most limit contacts and
// estimates the sending time from the mean inter-send delay. Cooldowns
// between waves are not included in the estimate.
func NewPlan(total, limit int, minDelay, maxDelay time.Duration) Plan {
	limit = max(1, limit)
	total = max(0, total)

	waves := max(1, (total+limit-1)/limit)

	lastWaveSize := total % limit
	if lastWaveSize == 0 && total > 0 {
		lastWaveSize = limit
	}

	avgDelay := int64(math.Round(float64(minDelay.Milliseconds()+maxDelay.Milliseconds()) / 2))
	avgWaveMs := int64(limit) * avgDelay

	return Plan{
		Total:         total,
		Limit:         limit,
		Waves:         waves,
		LastWaveSize:  lastWaveSize,
		AvgDelay:      avgDelay,
		AvgWaveMs:     avgWaveMs,
		ApproxTotalMs: int64(waves-1)*avgWaveMs + int64(lastWaveSize)*avgDelay,
	}
}
