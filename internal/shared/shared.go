package shared

import (
	"math"
	"time"
)

// Outcome classifies a sample
type Outcome string

const (
	OutcomeRejected   Outcome = "rejected"   // the port rejected the connection, delta is valid
	OutcomeTimeout    Outcome = "timeout"    // no answer before the timeout
	OutcomeIncomplete Outcome = "incomplete" // the transport skipped a stage
)

// Sample is one measured attempt as reported to outputs
type Sample struct {
	Seq         int       `json:"seq"`
	Destination string    `json:"destination"`
	IP          string    `json:"ip"`
	PTR         string    `json:"ptr,omitempty"`
	Port        int       `json:"port"`
	Method      string    `json:"method"`
	Outcome     Outcome   `json:"outcome"`
	DeltaMs     int64     `json:"delta_ms"` // only meaningful when Outcome is rejected
	Start       time.Time `json:"start,omitzero"`
	End         time.Time `json:"end,omitzero"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error,omitempty"`
}

// OK reports whether the sample carries a latency
func (s Sample) OK() bool {
	return s.Outcome == OutcomeRejected
}

// OutputInfo describes the session to outputs before the first sample
type OutputInfo struct {
	Destination string
	IP          string
	PTR         string
	Port        int
	Method      string
	Count       int // 0 means until interrupted
	Capture     bool
}

// Stats holds summary statistics over a session's samples
type Stats struct {
	Sent       uint    `json:"sent"`
	Received   uint    `json:"received"`
	Lost       uint    `json:"lost"`
	LossPct    float64 `json:"loss_pct"`
	Min        int64   `json:"min"`  // ms
	Max        int64   `json:"max"`  // ms
	Avg        int64   `json:"avg"`  // ms
	Last       int64   `json:"last"` // ms
	StdDev     float64 `json:"stddev"`
	Sum        int64   `json:"sum"`         // Sum of deltas for calculating average
	SumSquares int64   `json:"sum_squares"` // Sum of squares for stddev calculation
}

// Add accounts for one sample
func (s *Stats) Add(sample Sample) {
	s.Sent++
	if !sample.OK() {
		s.Lost++
		s.LossPct = calculateLossPct(s.Lost, s.Received)
		return
	}

	d := sample.DeltaMs
	if s.Received == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Received++
	s.Last = d
	s.Sum += d
	s.SumSquares += d * d
	s.Avg = s.Sum / int64(s.Received)
	s.StdDev = calculateStdDev(s.Sum, s.SumSquares, s.Received)
	s.LossPct = calculateLossPct(s.Lost, s.Received)
}

// calculateLossPct returns lost as a percentage of all attempts
func calculateLossPct(lost, received uint) float64 {
	total := lost + received
	if total == 0 {
		return 0
	}
	return float64(lost) / float64(total) * 100
}

// calculateStdDev returns the population standard deviation from running sums
func calculateStdDev(sum, sumSquares int64, n uint) float64 {
	if n < 2 {
		return 0
	}
	mean := float64(sum) / float64(n)
	variance := float64(sumSquares)/float64(n) - mean*mean
	if variance < 0 {
		// rounding
		return 0
	}
	return math.Sqrt(variance)
}
