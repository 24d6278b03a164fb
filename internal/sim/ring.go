package sim

import (
	"encoding/binary"
	"math"
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// evenToken returns the token of slot out of slots evenly spread over the
// token space.
func evenToken(slot, slots int) uint64 {
	return uint64(slot) * (math.MaxUint64 / uint64(slots))
}

// partitionToken places a partition on the ring.
func partitionToken(pd uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], pd)
	return xxhash.Sum64(buf[:])
}

type vnode struct {
	token uint64
	node  int
}

// ring is a token ring sorted by token.
type ring []vnode

func newRing(tokens map[int]uint64, include func(node int) bool) ring {
	var r ring
	for node, token := range tokens {
		if include(node) {
			r = append(r, vnode{token: token, node: node})
		}
	}

	sort.Slice(r, func(i, j int) bool { return r[i].token < r[j].token })
	return r
}

// replicas walks the ring clockwise from token and collects rf distinct
// owners.
func (r ring) replicas(token uint64, rf int) []int {
	if len(r) == 0 {
		return nil
	}

	start := sort.Search(len(r), func(i int) bool { return r[i].token >= token })
	var owners []int
	for i := 0; i < len(r) && len(owners) < rf; i++ {
		node := r[(start+i)%len(r)].node
		if !slices.Contains(owners, node) {
			owners = append(owners, node)
		}
	}

	return owners
}
