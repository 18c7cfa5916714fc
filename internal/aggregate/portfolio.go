// Package aggregate computes portfolio-level summaries across views.
package aggregate

import (
	"math"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/cryptoinfo/internal/view"
)

// Summary is the portfolio roll-up over all available views. Change24h is
// weighted by each view's display value, so large positions dominate the
// portfolio trend the way they dominate its worth.
type Summary struct {
	TotalValue  float64 `json:"total_value"`
	Change24h   float64 `json:"change_24h"`
	Assets      int     `json:"assets"`
	Unavailable int     `json:"unavailable"`
}

// Portfolio aggregates the attribute sets of all views. Views without a
// cached record are counted as unavailable and excluded from the totals.
func Portfolio(attrs []view.Attributes) Summary {
	var summary Summary
	var weighted float64

	for _, a := range attrs {
		if !a.Available {
			summary.Unavailable++
			continue
		}
		if math.IsNaN(a.Value) || math.IsInf(a.Value, 0) {
			logrus.WithField("id", a.ID).Warn("Skipping view with non-finite value in portfolio summary")
			summary.Unavailable++
			continue
		}
		summary.Assets++
		summary.TotalValue += a.Value
		weighted += a.Value * a.Change24h
	}

	if summary.TotalValue > 0 {
		summary.Change24h = weighted / summary.TotalValue
	}
	return summary
}
