// Package placement implements the Placement Engine (C3): a pure function
// from (object key, live peer set) to a deterministically ordered list of N
// target peers, via rendezvous (highest-random-weight) hashing.
package placement

import (
	"encoding/binary"
	"sort"

	"anvil/pkg/types"

	"github.com/dgryski/go-rendezvous"
	"lukechampine.com/blake3"
)

// Engine wraps github.com/dgryski/go-rendezvous to produce ranked top-N
// peer lists rather than the library's native single winner.
type Engine struct{}

// New returns a placement Engine. It holds no state: placement is a pure
// function of its inputs.
func New() *Engine { return &Engine{} }

// hash64 is the "fixed non-cryptographic hash" the spec calls for: BLAKE3
// truncated to 64 bits, the same primitive the codec uses for content
// hashing, so the engine and C1 share one hash family.
func hash64(s string) uint64 {
	sum := blake3.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

// Place returns an ordered list of up to n distinct peers from live, ranked
// by descending rendezvous score for key. If len(live) < n, the full
// (sorted) live set is returned and the caller is expected to recognize the
// shortfall and fall back to single-node mode.
func (e *Engine) Place(key string, live []types.PeerID, n int) []types.PeerID {
	if n <= 0 || len(live) == 0 {
		return nil
	}

	// Stable lexicographic order up front so ties in the underlying hash
	// are broken deterministically regardless of the live slice's order.
	names := make([]string, len(live))
	for i, p := range live {
		names[i] = string(p)
	}
	sort.Strings(names)

	remaining := names
	result := make([]types.PeerID, 0, n)

	for len(result) < n && len(remaining) > 0 {
		rz := rendezvous.New(remaining, hash64)
		winner := rz.Lookup(key)
		result = append(result, types.PeerID(winner))
		remaining = remove(remaining, winner)
	}

	return result
}

func remove(names []string, target string) []string {
	out := make([]string, 0, len(names)-1)
	for _, n := range names {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}
