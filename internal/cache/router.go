package cache

import (
	"math/rand"

	"github.com/redis/go-redis/v9"
)

// Router balances aggregate-cache reads across the master and its replicas.
// The client library pins each connection to one node, so without correction
// read traffic piles onto whichever node the pool favors. Routing a 1/(n+1)
// fraction of reads to the master and the rest uniformly across the n
// replicas keeps every node carrying an equal share.
//
// Writes always go to the master.
type Router struct {
	master   redis.Cmdable
	replicas []redis.Cmdable
}

// NewRouter creates a router over a master client and zero or more replica
// clients.
func NewRouter(master redis.Cmdable, replicas ...redis.Cmdable) *Router {
	return &Router{master: master, replicas: replicas}
}

// Write returns the master client.
func (r *Router) Write() redis.Cmdable {
	return r.master
}

// Read returns a client for read traffic, corrected for node skew.
func (r *Router) Read() redis.Cmdable {
	n := len(r.replicas)
	if n == 0 {
		return r.master
	}
	if rand.Float64() < 1.0/float64(n+1) {
		return r.master
	}
	return r.replicas[rand.Intn(n)]
}

// ReplicaCount reports how many replica clients are configured.
func (r *Router) ReplicaCount() int {
	return len(r.replicas)
}
