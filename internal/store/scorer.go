package store

import (
	"math"
	"time"
)

// Scorer combines the text-relevance score with a recency boost:
//
//	final = relevance * (1 + RecencyWeight * exp(-age / RecencyHalfLife))
//
// A file modified right now gets the full boost; the boost decays
// exponentially with file age and never penalizes old files below their
// relevance score.
type Scorer struct {
	RecencyWeight   float64
	RecencyHalfLife time.Duration

	now func() time.Time
}

// DefaultScorer returns the standard ranking configuration.
func DefaultScorer() *Scorer {
	return &Scorer{
		RecencyWeight:   0.3,
		RecencyHalfLife: 7 * 24 * time.Hour,
		now:             time.Now,
	}
}

// Score applies the recency boost to a relevance score.
func (s *Scorer) Score(relevance float64, mtime time.Time) float64 {
	if s.RecencyWeight <= 0 || s.RecencyHalfLife <= 0 {
		return relevance
	}
	age := s.now().Sub(mtime)
	if age < 0 {
		age = 0
	}
	boost := s.RecencyWeight * math.Exp(-float64(age)/float64(s.RecencyHalfLife))
	return relevance * (1 + boost)
}
