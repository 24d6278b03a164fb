package workload

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// mix deterministically hashes its inputs into one descriptor.
func mix(parts ...uint64) uint64 {
	buf := make([]byte, 8*len(parts))
	for i, p := range parts {
		binary.LittleEndian.PutUint64(buf[8*i:], p)
	}

	return xxhash.Sum64(buf)
}

// Salts keep the descriptor streams independent of each other.
const (
	saltPD uint64 = iota + 1
	saltCD
	saltKind
	saltColumns
	saltValue
)

// PDSelector maps timestamps onto partition descriptors. The workload visits
// a window of Window partitions round-robin; the window slides by one
// partition after every partition in it has been visited Slide times.
type PDSelector struct {
	Seed   uint64
	Window int64
	Slide  int64
}

// Position returns the partition position visited at lts.
func (s PDSelector) Position(lts LTS) int64 {
	window := max(s.Window, 1)
	slide := max(s.Slide, 1)

	return int64(lts)/(window*slide) + int64(lts)%window
}

// PD returns the partition descriptor visited at lts.
func (s PDSelector) PD(lts LTS) uint64 {
	return mix(s.Seed, saltPD, uint64(s.Position(lts)))
}

// CDSelector picks clustering descriptors within a partition.
type CDSelector struct {
	Seed             uint64
	MaxPartitionSize int
}

// CDs returns n distinct clustering descriptors for the step at lts. n is
// capped at MaxPartitionSize.
func (s CDSelector) CDs(lts LTS, pd uint64, n int) []uint64 {
	size := uint64(max(s.MaxPartitionSize, 1))
	n = min(n, int(size))

	cds := make([]uint64, 0, n)
	seen := make(map[uint64]bool, n)
	for i := uint64(0); len(cds) < n; i++ {
		cd := mix(s.Seed, saltCD, pd, uint64(lts), i) % size
		if seen[cd] {
			continue
		}

		seen[cd] = true
		cds = append(cds, cd)
	}

	return cds
}
