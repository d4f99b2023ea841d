// Package ledger implements the account-chain block model: deterministic
// hashing, signature verification and the process() admission function
// described in spec.md section 4.A. It is pure with respect to the Txn
// handed to Process — all mutation happens through that narrow interface,
// which internal/store implements against tm-db.
package ledger

import (
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"
)

// Account is a 256-bit public identity (an ed25519 public key).
type Account [32]byte

func (a Account) String() string { return hex.EncodeToString(a[:]) }

// IsZero reports whether a is the all-zero account, used as the epoch/burn
// sentinel and as "no representative yet".
func (a Account) IsZero() bool { return a == Account{} }

// BlockHash is the blake2b-256 content hash of a block's canonical layout.
type BlockHash [32]byte

func (h BlockHash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash, used as "no predecessor" and
// as the epoch-link sentinel.
func (h BlockHash) IsZero() bool { return h == BlockHash{} }

// Signature is a raw ed25519 signature over a block's hash.
type Signature [64]byte

// Balance is a 128-bit unsigned amount, carried in a uint256.Int (the upper
// 128 bits are always zero) so arithmetic reuses a vetted library instead of
// hand-rolled big-endian addition/subtraction with overflow checks.
type Balance struct {
	v uint256.Int
}

// NewBalance builds a Balance from a uint64 for tests and genesis setup.
func NewBalance(n uint64) Balance {
	var b Balance
	b.v.SetUint64(n)
	return b
}

// BalanceFromBytes decodes a 16-byte big-endian amount, as stored on state
// and legacy send blocks.
func BalanceFromBytes(bz [16]byte) Balance {
	var b Balance
	b.v.SetBytes(bz[:])
	return b
}

// Bytes encodes the balance as 16-byte big-endian for wire and storage.
func (b Balance) Bytes() [16]byte {
	var out [16]byte
	full := b.v.Bytes32()
	copy(out[:], full[16:])
	return out
}

func (b Balance) Cmp(o Balance) int { return b.v.Cmp(&o.v) }

func (b Balance) Sub(o Balance) Balance {
	var r Balance
	r.v.Sub(&b.v, &o.v)
	return r
}

func (b Balance) Add(o Balance) Balance {
	var r Balance
	r.v.Add(&b.v, &o.v)
	return r
}

func (b Balance) String() string { return b.v.ToBig().String() }

// BlockType enumerates the five block kinds of spec.md section 3.
type BlockType uint8

const (
	Invalid BlockType = iota
	Open
	Send
	Receive
	Change
	State
)

func (t BlockType) String() string {
	switch t {
	case Open:
		return "open"
	case Send:
		return "send"
	case Receive:
		return "receive"
	case Change:
		return "change"
	case State:
		return "state"
	default:
		return "invalid"
	}
}

// StateSubtype is the semantic a State block carries, resolved by balance
// delta and link interpretation (spec.md 4.E "lazy_block_state").
type StateSubtype uint8

const (
	StateUnknown StateSubtype = iota
	StateOpen
	StateSend
	StateReceive
	StateChange
	StateEpoch
)

// Block is the common surface every concrete block type satisfies. Hash is
// memoized on first call since it is computed over canonical fields that
// don't change once a block is constructed.
type Block interface {
	Type() BlockType
	Account() Account
	Previous() BlockHash
	Hash() BlockHash
	Signature() Signature
	fmt.Stringer
}

// OpenBlock is the first block of an account chain.
type OpenBlock struct {
	SourceHash     BlockHash
	Representative Account
	AccountPub     Account
	Sig            Signature

	hash *BlockHash
}

func (b *OpenBlock) Type() BlockType    { return Open }
func (b *OpenBlock) Account() Account   { return b.AccountPub }
func (b *OpenBlock) Previous() BlockHash { return BlockHash{} }
func (b *OpenBlock) Signature() Signature { return b.Sig }
func (b *OpenBlock) String() string {
	return fmt.Sprintf("open{account=%s source=%s}", b.AccountPub, b.SourceHash)
}
func (b *OpenBlock) Hash() BlockHash {
	if b.hash == nil {
		h := hashOpen(b.SourceHash, b.Representative, b.AccountPub)
		b.hash = &h
	}
	return *b.hash
}

// SendBlock debits Balance from the account's previous balance and
// addresses the delta to Destination via a future Receive/Open.
type SendBlock struct {
	PreviousHash BlockHash
	Destination  Account
	Balance      Balance
	AccountPub   Account
	Sig          Signature

	hash *BlockHash
}

func (b *SendBlock) Type() BlockType     { return Send }
func (b *SendBlock) Account() Account    { return b.AccountPub }
func (b *SendBlock) Previous() BlockHash { return b.PreviousHash }
func (b *SendBlock) Signature() Signature { return b.Sig }
func (b *SendBlock) String() string {
	return fmt.Sprintf("send{account=%s prev=%s dest=%s balance=%s}", b.AccountPub, b.PreviousHash, b.Destination, b.Balance)
}
func (b *SendBlock) Hash() BlockHash {
	if b.hash == nil {
		h := hashSend(b.PreviousHash, b.Destination, b.Balance)
		b.hash = &h
	}
	return *b.hash
}

// ReceiveBlock pockets the send whose hash is Source onto the account chain.
type ReceiveBlock struct {
	PreviousHash BlockHash
	SourceHash   BlockHash
	AccountPub   Account
	Sig          Signature

	hash *BlockHash
}

func (b *ReceiveBlock) Type() BlockType     { return Receive }
func (b *ReceiveBlock) Account() Account    { return b.AccountPub }
func (b *ReceiveBlock) Previous() BlockHash { return b.PreviousHash }
func (b *ReceiveBlock) Signature() Signature { return b.Sig }
func (b *ReceiveBlock) String() string {
	return fmt.Sprintf("receive{account=%s prev=%s source=%s}", b.AccountPub, b.PreviousHash, b.SourceHash)
}
func (b *ReceiveBlock) Hash() BlockHash {
	if b.hash == nil {
		h := hashReceive(b.PreviousHash, b.SourceHash)
		b.hash = &h
	}
	return *b.hash
}

// ChangeBlock alters the account's chosen representative without moving
// funds.
type ChangeBlock struct {
	PreviousHash   BlockHash
	Representative Account
	AccountPub     Account
	Sig            Signature

	hash *BlockHash
}

func (b *ChangeBlock) Type() BlockType     { return Change }
func (b *ChangeBlock) Account() Account    { return b.AccountPub }
func (b *ChangeBlock) Previous() BlockHash { return b.PreviousHash }
func (b *ChangeBlock) Signature() Signature { return b.Sig }
func (b *ChangeBlock) String() string {
	return fmt.Sprintf("change{account=%s prev=%s rep=%s}", b.AccountPub, b.PreviousHash, b.Representative)
}
func (b *ChangeBlock) Hash() BlockHash {
	if b.hash == nil {
		h := hashChange(b.PreviousHash, b.Representative)
		b.hash = &h
	}
	return *b.hash
}

// EpochLink is the sentinel Link value marking a StateBlock as an epoch
// upgrade rather than a value transfer (GLOSSARY "Epoch link").
var EpochLink = BlockHash{0xce, 0x1d, 0xbb, 0x2a, 0xdc, 0x8d, 0x6c, 0x07, 0x53, 0xdc, 0xe8, 0x2c, 0xdc, 0x4d, 0xb9, 0x2c}

// StateBlock is the universal block type; Link means source hash (receive),
// destination account (send) or EpochLink (epoch) depending on balance
// delta, per spec.md section 3.
type StateBlock struct {
	AccountPub     Account
	PreviousHash   BlockHash
	Representative Account
	Balance        Balance
	Link           BlockHash
	Sig            Signature

	hash *BlockHash
}

func (b *StateBlock) Type() BlockType     { return State }
func (b *StateBlock) Account() Account    { return b.AccountPub }
func (b *StateBlock) Previous() BlockHash { return b.PreviousHash }
func (b *StateBlock) Signature() Signature { return b.Sig }
func (b *StateBlock) String() string {
	return fmt.Sprintf("state{account=%s prev=%s rep=%s balance=%s link=%s}",
		b.AccountPub, b.PreviousHash, b.Representative, b.Balance, b.Link)
}
func (b *StateBlock) Hash() BlockHash {
	if b.hash == nil {
		h := hashState(b.AccountPub, b.PreviousHash, b.Representative, b.Balance, b.Link)
		b.hash = &h
	}
	return *b.hash
}

// IsOpen reports whether the state block is the first of its chain.
func (b *StateBlock) IsOpen() bool { return b.PreviousHash.IsZero() }

// AccountInfo is the per-account chain summary (spec.md section 3).
type AccountInfo struct {
	Head           BlockHash
	Representative Account
	OpenBlock      BlockHash
	Balance        Balance
	BlockCount     uint64
	ModifiedUnix   int64
}

// ConfirmationHeightInfo is the per-account cementation mark (spec.md
// section 3 and 4.H).
type ConfirmationHeightInfo struct {
	Height   uint64
	Frontier BlockHash
}

// PendingKey identifies a pending (receivable) entry by the send block hash
// and the destination it addresses, matching the `pending(send→destination,
// amount, source)` table of spec.md section 4.B.
type PendingKey struct {
	Destination Account
	Send        BlockHash
}

type PendingInfo struct {
	Source Account
	Amount Balance
}
