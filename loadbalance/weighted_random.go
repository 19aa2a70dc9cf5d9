package loadbalance

import (
	"fmt"
	"math/rand"
)

// WeightedRandomBalancer picks a candidate with probability proportional to
// its weight. Runtime.Discover uses this to fan out seed-address probes so
// a heavier-weighted seed is tried more often without starving the others.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(candidates []Candidate) (*Candidate, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("loadbalance: no candidates available")
	}

	totalWeight := 0
	for _, c := range candidates {
		totalWeight += c.Weight
	}
	if totalWeight <= 0 {
		return &candidates[rand.Intn(len(candidates))], nil
	}

	r := rand.Intn(totalWeight)
	for i := range candidates {
		r -= candidates[i].Weight
		if r < 0 {
			return &candidates[i], nil
		}
	}
	return nil, fmt.Errorf("loadbalance: unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
