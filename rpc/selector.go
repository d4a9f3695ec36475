package rpc

import (
	"math/rand"
	"sync/atomic"

	"github.com/evloop/evrpc/reactor"
)

// Selector picks one Endpoint from a non-empty list — a replaceable
// strategy so ServiceStub's endpoint-selection policy (random today) can be
// swapped for round-robin, consistent-hash, or weighted selection without
// changing ServiceStub's interface.
type Selector interface {
	Choose(endpoints []reactor.Endpoint) reactor.Endpoint
}

// RandomSelector picks uniformly at random. This is ServiceStub's default.
type RandomSelector struct{}

func (RandomSelector) Choose(endpoints []reactor.Endpoint) reactor.Endpoint {
	return endpoints[rand.Intn(len(endpoints))]
}

// RoundRobinSelector cycles through endpoints in order using an atomic
// counter.
type RoundRobinSelector struct {
	next atomic.Uint64
}

func (s *RoundRobinSelector) Choose(endpoints []reactor.Endpoint) reactor.Endpoint {
	idx := s.next.Add(1) - 1
	return endpoints[idx%uint64(len(endpoints))]
}
