package netp2p

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanocurrency/nanod/internal/wire"
)

func TestHandshakeCombinedResponseAndQuery(t *testing.T) {
	alice := NewHandshake(newFakeSigner(t))
	bob := NewHandshake(newFakeSigner(t))

	query, err := alice.Start()
	require.NoError(t, err)
	require.Equal(t, HandshakeSentQuery, alice.State())

	// Bob receives alice's bare query and replies with a combined
	// response+query leg.
	reply, live, err := bob.Receive(query)
	require.NoError(t, err)
	require.False(t, live)
	require.Equal(t, HandshakeSentResponse, bob.State())
	require.NotNil(t, reply)

	// Alice receives bob's response+query: she verifies it, answers his
	// query, and goes live in one step.
	final, live, err := alice.Receive(*reply)
	require.NoError(t, err)
	require.True(t, live)
	require.Equal(t, HandshakeLive, alice.State())
	require.NotNil(t, final)

	// Bob receives alice's final response and also goes live.
	_, live, err = bob.Receive(*final)
	require.NoError(t, err)
	require.True(t, live)
	require.Equal(t, HandshakeLive, bob.State())
}

func TestHandshakeRejectsOutOfOrderMessage(t *testing.T) {
	alice := NewHandshake(newFakeSigner(t))
	_, err := alice.Start()
	require.NoError(t, err)

	// A bare query while awaiting a response is out of order.
	var cookie [32]byte
	_, _, err = alice.Receive(wire.NodeIDHandshake{Query: &cookie})
	require.Error(t, err)
}
