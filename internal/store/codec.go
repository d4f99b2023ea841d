package store

import (
	"encoding/binary"
	"fmt"

	"github.com/nanocurrency/nanod/internal/ledger"
)

// The storage engine itself is out of scope (spec.md section 1); nanod only
// owns the transactional key/value interface on top of it (tm-db). Encoding
// block bodies with encoding/binary rather than a generated wire format
// predates a move to protobuf — see DESIGN.md's component A notes for why
// protobuf itself isn't wired here (no protoc codegen available in this
// environment).

// encodeBlock and decodeBlock delegate to the ledger package's canonical
// wire form, so the on-disk encoding and the network encoding (internal/wire)
// are the same bytes and can never drift apart.
func encodeBlock(b ledger.Block) []byte {
	return ledger.EncodeBlock(b)
}

func decodeBlock(bz []byte) (ledger.Block, error) {
	return ledger.DecodeBlock(bz)
}

func encodeAccountInfo(info ledger.AccountInfo) []byte {
	buf := make([]byte, 32+32+32+16+8+8)
	off := 0
	off += copy(buf[off:], info.Head[:])
	off += copy(buf[off:], info.Representative[:])
	off += copy(buf[off:], info.OpenBlock[:])
	bal := info.Balance.Bytes()
	off += copy(buf[off:], bal[:])
	binary.BigEndian.PutUint64(buf[off:], info.BlockCount)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(info.ModifiedUnix))
	return buf
}

func decodeAccountInfo(bz []byte) (ledger.AccountInfo, error) {
	if len(bz) != 32+32+32+16+8+8 {
		return ledger.AccountInfo{}, fmt.Errorf("store: malformed account info")
	}
	var info ledger.AccountInfo
	off := 0
	copy(info.Head[:], bz[off:off+32])
	off += 32
	copy(info.Representative[:], bz[off:off+32])
	off += 32
	copy(info.OpenBlock[:], bz[off:off+32])
	off += 32
	var bal [16]byte
	copy(bal[:], bz[off:off+16])
	info.Balance = ledger.BalanceFromBytes(bal)
	off += 16
	info.BlockCount = binary.BigEndian.Uint64(bz[off : off+8])
	off += 8
	info.ModifiedUnix = int64(binary.BigEndian.Uint64(bz[off : off+8]))
	return info, nil
}

func encodePending(info ledger.PendingInfo) []byte {
	buf := make([]byte, 32+16)
	copy(buf[0:32], info.Source[:])
	bal := info.Amount.Bytes()
	copy(buf[32:], bal[:])
	return buf
}

func decodePending(bz []byte) (ledger.PendingInfo, error) {
	if len(bz) != 32+16 {
		return ledger.PendingInfo{}, fmt.Errorf("store: malformed pending entry")
	}
	var info ledger.PendingInfo
	copy(info.Source[:], bz[0:32])
	var bal [16]byte
	copy(bal[:], bz[32:])
	info.Amount = ledger.BalanceFromBytes(bal)
	return info, nil
}

// encodeConfirmationHeight matches spec.md section 6's "fixed-width pair
// {height: u64, frontier: 32 bytes}".
func encodeConfirmationHeight(info ledger.ConfirmationHeightInfo) []byte {
	buf := make([]byte, 8+32)
	binary.BigEndian.PutUint64(buf[0:8], info.Height)
	copy(buf[8:], info.Frontier[:])
	return buf
}

func decodeConfirmationHeight(bz []byte) (ledger.ConfirmationHeightInfo, error) {
	if len(bz) != 8+32 {
		return ledger.ConfirmationHeightInfo{}, fmt.Errorf("store: malformed confirmation height entry")
	}
	var info ledger.ConfirmationHeightInfo
	info.Height = binary.BigEndian.Uint64(bz[0:8])
	copy(info.Frontier[:], bz[8:])
	return info, nil
}
