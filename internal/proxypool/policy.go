package proxypool

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync/atomic"

	"sniper/internal/domain"
)

const (
	PolicyEpsilonGreedy = "epsilon_greedy"
	PolicyLeastLatency  = "least_latency"
	PolicyRoundRobin    = "round_robin"

	minSelectionWeight = 1e-3
)

// Candidate is an eligible proxy with the health score it was filtered on.
type Candidate struct {
	Proxy domain.Proxy
	Score float64
}

// Policy picks one of the candidates and returns its index. Candidates are
// never empty when Select is called.
type Policy interface {
	Select(candidates []Candidate) int
}

func NewPolicy(name string, exploreRate float64) (Policy, error) {
	switch name {
	case "", PolicyEpsilonGreedy:
		return &EpsilonGreedy{ExploreRate: exploreRate}, nil
	case PolicyLeastLatency:
		return LeastLatency{}, nil
	case PolicyRoundRobin:
		return &RoundRobin{}, nil
	default:
		return nil, fmt.Errorf("unknown selection policy %q", name)
	}
}

// EpsilonGreedy exploits the healthiest proxy and, with probability
// ExploreRate, explores with a score-weighted random pick instead.
type EpsilonGreedy struct {
	ExploreRate float64
	Random      func() float64
}

func (e *EpsilonGreedy) Select(candidates []Candidate) int {
	random := e.Random
	if random == nil {
		random = rand.Float64
	}

	if len(candidates) > 1 && random() < e.ExploreRate {
		return weightedPick(candidates, random())
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Score > candidates[best].Score {
			best = i
		}
	}
	return best
}

// weightedPick maps u in [0,1) onto the score-weighted distribution.
func weightedPick(candidates []Candidate, u float64) int {
	total := 0.0
	for _, c := range candidates {
		total += math.Max(minSelectionWeight, c.Score)
	}

	target := u * total
	for i, c := range candidates {
		target -= math.Max(minSelectionWeight, c.Score)
		if target < 0 {
			return i
		}
	}
	return len(candidates) - 1
}

// LeastLatency prefers the lowest latency average. Proxies without a sample
// sort first so they get measured.
type LeastLatency struct{}

func (LeastLatency) Select(candidates []Candidate) int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Proxy.ResponseTimeEWMA < candidates[best].Proxy.ResponseTimeEWMA {
			best = i
		}
	}
	return best
}

// RoundRobin walks the candidates in id order.
type RoundRobin struct {
	next atomic.Uint64
}

func (r *RoundRobin) Select(candidates []Candidate) int {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return candidates[order[a]].Proxy.ID < candidates[order[b]].Proxy.ID
	})

	n := r.next.Add(1) - 1
	return order[n%uint64(len(order))]
}
