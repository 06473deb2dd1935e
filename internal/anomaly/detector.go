package anomaly

import (
	"fmt"
)

// Detector handles anomaly detection with configurable thresholds
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// Threshold returns the spike multiplier
func (d *Detector) Threshold() float64 {
	return d.spikeThreshold
}

// DetectAnomaly checks if a period's consumption is anomalous compared with
// the consumption of earlier periods.
func (d *Detector) DetectAnomaly(value float64, historicalValues []float64) (bool, string) {
	if value < 0 {
		return true, "negative consumption"
	}

	if len(historicalValues) < d.minDataPointsForDetection {
		return false, ""
	}

	average := mean(historicalValues)
	if average > 0 && value > d.spikeThreshold*average {
		return true, fmt.Sprintf("sudden spike detected: consumption %.2f exceeds %.1fx rolling average %.2f",
			value, d.spikeThreshold, average)
	}

	return false, ""
}

// Peak describes the largest value of a series relative to its mean
type Peak struct {
	Index   int
	Value   float64
	Average float64
}

// PeakOverAverage reports the series' largest value when it exceeds the
// threshold multiple of the series mean. Series shorter than the minimum
// number of data points are never anomalous.
func (d *Detector) PeakOverAverage(series []float64) (Peak, bool) {
	if len(series) < d.minDataPointsForDetection {
		return Peak{}, false
	}

	p := Peak{Index: 0, Value: series[0], Average: mean(series)}
	for i, v := range series {
		if v > p.Value {
			p.Index = i
			p.Value = v
		}
	}
	return p, p.Average > 0 && p.Value > d.spikeThreshold*p.Average
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
