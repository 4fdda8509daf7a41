// Package shm publishes the current session beat to external interpreter
// processes through a named 8-byte shared-memory region. The region holds a
// single IEEE-754 double, written atomically, so readers in any language can
// poll it without locks.
package shm

import (
	"math"
	"sync/atomic"
	"unsafe"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("shm")

// RegionName is the well-known name external processes map.
const RegionName = "harmonia-block"

// Size of the region: one float64.
const Size = 8

// WriteBeat stores the beat into the mapping as an atomic 8-byte store.
func (r *Region) WriteBeat(beat float64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&r.data[0])), math.Float64bits(beat))
}

// ReadBeat loads the current value; used by tests and local consumers.
func (r *Region) ReadBeat() float64 {
	return math.Float64frombits(atomic.LoadUint64((*uint64)(unsafe.Pointer(&r.data[0]))))
}
