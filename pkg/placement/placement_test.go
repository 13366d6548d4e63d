package placement

import (
	"fmt"
	"testing"

	"anvil/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peerSet(n int) []types.PeerID {
	out := make([]types.PeerID, n)
	for i := range out {
		out[i] = types.PeerID(fmt.Sprintf("peer-%02d", i))
	}
	return out
}

func TestEngine_PlaceIsDeterministic(t *testing.T) {
	e := New()
	live := peerSet(10)

	got1 := e.Place("a/b.txt", live, 6)
	got2 := e.Place("a/b.txt", live, 6)
	assert.Equal(t, got1, got2)
	assert.Len(t, got1, 6)
}

func TestEngine_PlaceReturnsDistinctPeers(t *testing.T) {
	e := New()
	live := peerSet(8)

	got := e.Place("some-key", live, 6)
	require.Len(t, got, 6)

	seen := map[types.PeerID]bool{}
	for _, p := range got {
		assert.False(t, seen[p], "peer %s returned twice", p)
		seen[p] = true
	}
}

func TestEngine_PlaceShortfallReturnsFullSet(t *testing.T) {
	e := New()
	live := peerSet(3)

	got := e.Place("k", live, 6)
	assert.Len(t, got, 3)
}

func TestEngine_PlaceEmptyLiveSet(t *testing.T) {
	e := New()
	assert.Nil(t, New().Place("k", nil, 6))
	assert.Nil(t, e.Place("k", []types.PeerID{}, 6))
}

func TestEngine_PlaceStabilityUnderPeerRemoval(t *testing.T) {
	e := New()
	full := peerSet(50)
	withoutOne := full[1:]

	const trials = 2000
	const n = 6
	changed := 0
	for i := 0; i < trials; i++ {
		key := fmt.Sprintf("key-%d", i)
		before := e.Place(key, full, n)
		after := e.Place(key, withoutOne, n)
		if !sameSet(before, after) {
			changed++
		}
	}

	// Removing one of P peers should reassign roughly N/P of keys; allow
	// generous slack since this is a statistical property, not an exact one.
	maxExpected := trials * (n + 2) / len(full)
	assert.LessOrEqual(t, changed, maxExpected, "too many keys reassigned on single-peer removal")
}

func sameSet(a, b []types.PeerID) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[types.PeerID]bool{}
	for _, p := range a {
		set[p] = true
	}
	for _, p := range b {
		if !set[p] {
			return false
		}
	}
	return true
}
