package wire

import (
	"github.com/nanocurrency/nanod/internal/ledger"
)

// PeerEndpoint is a single advertised peer in a Keepalive.
type PeerEndpoint struct {
	IP   [16]byte // IPv6, IPv4 represented as an IPv4-mapped IPv6 address
	Port uint16
}

// Keepalive carries up to 8 peer endpoints, a PEX-gossip shape generalized
// to spec.md's fixed message set.
type Keepalive struct {
	Peers [8]PeerEndpoint
}

// Publish announces a single new block.
type Publish struct {
	Block ledger.Block
}

// ConfirmReq asks the recipient to vote on the given blocks.
type ConfirmReq struct {
	Blocks []ledger.Block
}

// ConfirmAck is a vote: Account signed Signature over (Sequence || each
// block hash in Hashes).
type ConfirmAck struct {
	Account   ledger.Account
	Signature ledger.Signature
	Sequence  uint64
	Hashes    []ledger.BlockHash
}

// BulkPullAccountFlag modifies BulkPullAccount's response shape.
type BulkPullAccountFlag uint8

const (
	BulkPullAccountFlagFull                  BulkPullAccountFlag = 0
	BulkPullAccountFlagPendingAddressOnly    BulkPullAccountFlag = 1
	BulkPullAccountFlagPendingIncludeAddress BulkPullAccountFlag = 2
)

// BulkPull requests the chain walking backward from Start toward End
// (spec.md 4.F). Start may be an account (server sends from its head) or a
// block hash (server sends it and each predecessor).
type BulkPull struct {
	Start [32]byte
	End   ledger.BlockHash
	Count uint32 // 0 means unlimited
}

// BulkPullAccount requests pending (receivable) entries for Account above
// MinimumAmount.
type BulkPullAccount struct {
	Account       ledger.Account
	MinimumAmount ledger.Balance
	Flags         BulkPullAccountFlag
}

// BulkPush has no body; the sender streams raw blocks immediately after.
type BulkPush struct{}

// FrontierReq asks for {account, head} pairs starting at Start, skipping
// accounts whose last modification is older than AgeSeconds.
type FrontierReq struct {
	Start      ledger.Account
	AgeSeconds uint32
	Count      uint32
}

// NodeIDHandshake carries the cookie-based mutual handshake of spec.md 4.C.
// Exactly one of Query/Response is expected to be non-nil per leg of the
// exchange; the responder's combined reply sets Response and carries its
// own cookie in Response.Query.
type NodeIDHandshake struct {
	Query    *[32]byte
	Response *HandshakeResponse
}

// HandshakeResponse proves ownership of Account by signing the peer's
// cookie (Query from the prior message).
type HandshakeResponse struct {
	Account   ledger.Account
	Signature ledger.Signature
	// Query re-poses a fresh cookie when this message is itself the
	// responder's combined response+query leg.
	Query *[32]byte
}

// TelemetryReq has no body.
type TelemetryReq struct{}

// TelemetryAck is an informational snapshot of node state; fields are
// advisory and never drive protocol logic, so the ambient stack's telemetry
// is intentionally small (full telemetry schema is out of scope).
type TelemetryAck struct {
	BlockCount      uint64
	CementedCount   uint64
	UncheckedCount  uint64
	PeerCount       uint32
	ProtocolVersion uint8
}
