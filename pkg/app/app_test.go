package app

import (
	"testing"
	"time"

	"anvil/pkg/membership"
	"anvil/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApp_PeerAddr(t *testing.T) {
	secret := []byte("cluster-secret")
	self := membership.Heartbeat{PeerID: "self", TransportAddrs: []string{"10.0.0.1:7700"}}
	table := membership.New(self, secret, time.Second, 10*time.Second, 60*time.Second, nil, nil)

	a := &App{Table: table}

	_, ok := a.PeerAddr("peer-a")
	assert.False(t, ok)

	hb, err := membership.Sign(membership.Heartbeat{
		PeerID:         "peer-a",
		TransportAddrs: []string{"10.0.0.2:7700"},
		Timestamp:      time.Now().Unix(),
	}, secret)
	require.NoError(t, err)

	accepted := table.Upsert(hb, time.Now())
	require.True(t, accepted)

	addr, ok := a.PeerAddr("peer-a")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:7700", addr)
}

func TestApp_PeerAddr_NoTransportAddrs(t *testing.T) {
	table := membership.New(membership.Heartbeat{PeerID: "self"}, []byte("s"), time.Second, 10*time.Second, 60*time.Second, nil, nil)
	a := &App{Table: table}

	hb, err := membership.Sign(membership.Heartbeat{PeerID: "peer-b", Timestamp: time.Now().Unix()}, []byte("s"))
	require.NoError(t, err)
	table.Upsert(hb, time.Now())

	_, ok := a.PeerAddr(types.PeerID("peer-b"))
	assert.False(t, ok)
}
