package netp2p

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/ed25519"

	"github.com/nanocurrency/nanod/internal/ledger"
	"github.com/nanocurrency/nanod/internal/wire"
)

// HandshakeState is a channel's position in the mutual node_id_handshake
// exchange of spec.md section 4.C.
type HandshakeState uint8

const (
	HandshakeNone HandshakeState = iota
	HandshakeSentQuery
	HandshakeSentResponse
	HandshakeLive
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeSentQuery:
		return "sent_query"
	case HandshakeSentResponse:
		return "sent_response"
	case HandshakeLive:
		return "live"
	default:
		return "none"
	}
}

// Signer proves ownership of a node's account key, the minimal surface the
// handshake needs from the node identity without importing the whole node.
type Signer interface {
	Account() ledger.Account
	Sign(message []byte) ledger.Signature
}

// Handshake drives one peer's node_id_handshake state machine: it reports
// the peer live only once both sides have proven ownership of the account
// they claim. Table.Upsert admits a channel before that, with a fresh
// Handshake.
type Handshake struct {
	local Signer

	state      HandshakeState
	ourCookie  [32]byte
	peerCookie *[32]byte
	PeerAccount ledger.Account
}

// NewHandshake starts a fresh handshake for one channel.
func NewHandshake(local Signer) *Handshake {
	return &Handshake{local: local, state: HandshakeNone}
}

// Start issues the initiating query: a fresh cookie the peer must sign to
// prove its identity. Transitions none -> sent_query.
func (h *Handshake) Start() (wire.NodeIDHandshake, error) {
	if h.state != HandshakeNone {
		return wire.NodeIDHandshake{}, fmt.Errorf("netp2p: handshake already started (state=%s)", h.state)
	}
	if _, err := rand.Read(h.ourCookie[:]); err != nil {
		return wire.NodeIDHandshake{}, fmt.Errorf("netp2p: generating handshake cookie: %w", err)
	}
	h.state = HandshakeSentQuery
	cookie := h.ourCookie
	return wire.NodeIDHandshake{Query: &cookie}, nil
}

// Receive advances the state machine on an incoming node_id_handshake
// message, returning a reply to send (if any) and whether the handshake is
// now live. A malformed or out-of-order message is reported as an error and
// never panics, matching the channel layer's "parsing failure never crashes
// the channel" rule.
func (h *Handshake) Receive(msg wire.NodeIDHandshake) (reply *wire.NodeIDHandshake, live bool, err error) {
	switch h.state {
	case HandshakeNone:
		// Peer queried first: answer with our signed response and our own
		// query, becoming the responder.
		if msg.Query == nil {
			return nil, false, fmt.Errorf("netp2p: expected query in initial handshake message")
		}
		sig := h.local.Sign(msg.Query[:])
		if _, err := rand.Read(h.ourCookie[:]); err != nil {
			return nil, false, fmt.Errorf("netp2p: generating handshake cookie: %w", err)
		}
		ourCookie := h.ourCookie
		resp := wire.HandshakeResponse{
			Account:   h.local.Account(),
			Signature: sig,
			Query:     &ourCookie,
		}
		h.state = HandshakeSentResponse
		return &wire.NodeIDHandshake{Response: &resp}, false, nil

	case HandshakeSentQuery:
		if msg.Response == nil {
			return nil, false, fmt.Errorf("netp2p: expected response while awaiting one")
		}
		if !verifyResponse(h.ourCookie, *msg.Response) {
			return nil, false, fmt.Errorf("netp2p: handshake response failed signature check")
		}
		h.PeerAccount = msg.Response.Account

		if msg.Response.Query == nil {
			// Peer proved itself without re-querying us; we're done.
			h.state = HandshakeLive
			return nil, true, nil
		}
		// Combined response+query leg: answer their query and go live.
		sig := h.local.Sign(msg.Response.Query[:])
		resp := wire.HandshakeResponse{Account: h.local.Account(), Signature: sig}
		h.state = HandshakeLive
		return &wire.NodeIDHandshake{Response: &resp}, true, nil

	case HandshakeSentResponse:
		if msg.Response == nil {
			return nil, false, fmt.Errorf("netp2p: expected response completing handshake")
		}
		if !verifyResponse(h.ourCookie, *msg.Response) {
			return nil, false, fmt.Errorf("netp2p: handshake response failed signature check")
		}
		h.PeerAccount = msg.Response.Account
		h.state = HandshakeLive
		return nil, true, nil

	case HandshakeLive:
		return nil, true, nil

	default:
		return nil, false, fmt.Errorf("netp2p: handshake in unknown state %d", h.state)
	}
}

// State reports the handshake's current position.
func (h *Handshake) State() HandshakeState { return h.state }

func verifyResponse(cookie [32]byte, resp wire.HandshakeResponse) bool {
	return ed25519.Verify(ed25519.PublicKey(resp.Account[:]), cookie[:], resp.Signature[:])
}
