package swarm

import (
	"math/rand/v2"
	"sync"
)

// Strategy prices a task announcement in sats. Lower bids are more
// competitive.
type Strategy interface {
	Bid(taskID, description string) int64
}

// RandomStrategy bids a uniformly random amount in [Min, Max].
type RandomStrategy struct {
	Min int64
	Max int64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomStrategy(min, max int64, seed uint64) *RandomStrategy {
	return &RandomStrategy{
		Min: min,
		Max: max,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func DefaultStrategy() Strategy {
	return &RandomStrategy{Min: 10, Max: 100}
}

func (s *RandomStrategy) Bid(string, string) int64 {
	lo, hi := s.Min, s.Max
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng == nil {
		return lo + rand.Int64N(hi-lo+1)
	}
	return lo + s.rng.Int64N(hi-lo+1)
}

// FixedStrategy always bids the same amount.
type FixedStrategy int64

func (f FixedStrategy) Bid(string, string) int64 {
	return int64(f)
}

// StrategyFunc adapts a plain function.
type StrategyFunc func(taskID, description string) int64

func (f StrategyFunc) Bid(taskID, description string) int64 {
	return f(taskID, description)
}
