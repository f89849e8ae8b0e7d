package scheduler

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/buraksezer/consistent"
	"github.com/google/uuid"
)

type member string

func (m member) String() string { return string(m) }

type hasher struct{}

func (hasher) Sum64(data []byte) uint64 {
	sum := sha256.Sum256(data)
	return binary.BigEndian.Uint64(sum[:8])
}

// Router pins every release to one tick worker so a release is never advanced by two
// workers of the same process at once.
type Router struct {
	ring  *consistent.Consistent
	index map[string]int
}

func NewRouter(workers int) *Router {
	if workers < 1 {
		workers = 1
	}
	partitions := 71
	if workers*4 > partitions {
		partitions = workers*4 + 1
	}
	ring := consistent.New(nil, consistent.Config{
		PartitionCount:    partitions,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	})
	index := make(map[string]int, workers)
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		ring.Add(member(name))
		index[name] = i
	}
	return &Router{ring: ring, index: index}
}

// Worker returns the worker index owning releaseID.
func (r *Router) Worker(releaseID uuid.UUID) int {
	m := r.ring.LocateKey(releaseID[:])
	if m == nil {
		return 0
	}
	return r.index[m.String()]
}
