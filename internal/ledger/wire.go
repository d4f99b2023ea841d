package ledger

import "fmt"

// EncodeBlock and DecodeBlock are the block model's canonical byte
// representation, shared by internal/store (as the on-disk block encoding)
// and internal/wire (as the publish/bulk_pull body encoding) so the two
// never drift apart. A one-byte BlockType tag precedes each fixed-width
// body; encoding/binary rather than a generated codec, since no protoc
// toolchain is available here (see DESIGN.md, component A).
func EncodeBlock(b Block) []byte {
	switch v := b.(type) {
	case *OpenBlock:
		buf := make([]byte, 1+32+32+32+64)
		buf[0] = byte(Open)
		off := 1
		off += copy(buf[off:], v.SourceHash[:])
		off += copy(buf[off:], v.Representative[:])
		off += copy(buf[off:], v.AccountPub[:])
		copy(buf[off:], v.Sig[:])
		return buf
	case *SendBlock:
		buf := make([]byte, 1+32+32+16+32+64)
		buf[0] = byte(Send)
		off := 1
		off += copy(buf[off:], v.PreviousHash[:])
		off += copy(buf[off:], v.Destination[:])
		bal := v.Balance.Bytes()
		off += copy(buf[off:], bal[:])
		off += copy(buf[off:], v.AccountPub[:])
		copy(buf[off:], v.Sig[:])
		return buf
	case *ReceiveBlock:
		buf := make([]byte, 1+32+32+32+64)
		buf[0] = byte(Receive)
		off := 1
		off += copy(buf[off:], v.PreviousHash[:])
		off += copy(buf[off:], v.SourceHash[:])
		off += copy(buf[off:], v.AccountPub[:])
		copy(buf[off:], v.Sig[:])
		return buf
	case *ChangeBlock:
		buf := make([]byte, 1+32+32+32+64)
		buf[0] = byte(Change)
		off := 1
		off += copy(buf[off:], v.PreviousHash[:])
		off += copy(buf[off:], v.Representative[:])
		off += copy(buf[off:], v.AccountPub[:])
		copy(buf[off:], v.Sig[:])
		return buf
	case *StateBlock:
		buf := make([]byte, 1+32+32+32+16+32+64)
		buf[0] = byte(State)
		off := 1
		off += copy(buf[off:], v.AccountPub[:])
		off += copy(buf[off:], v.PreviousHash[:])
		off += copy(buf[off:], v.Representative[:])
		bal := v.Balance.Bytes()
		off += copy(buf[off:], bal[:])
		off += copy(buf[off:], v.Link[:])
		copy(buf[off:], v.Sig[:])
		return buf
	default:
		panic(fmt.Sprintf("ledger: unknown block type %T", b))
	}
}

// BlockWireSize returns the encoded size of a block of the given type,
// needed by callers that must read a fixed number of bytes off a stream
// before they know how to interpret them (e.g. bulk_pull framing).
func BlockWireSize(t BlockType) (int, error) {
	switch t {
	case Open:
		return 1 + 32 + 32 + 32 + 64, nil
	case Send:
		return 1 + 32 + 32 + 16 + 32 + 64, nil
	case Receive:
		return 1 + 32 + 32 + 32 + 64, nil
	case Change:
		return 1 + 32 + 32 + 32 + 64, nil
	case State:
		return 1 + 32 + 32 + 32 + 16 + 32 + 64, nil
	default:
		return 0, fmt.Errorf("ledger: unknown block type %d", t)
	}
}

func DecodeBlock(bz []byte) (Block, error) {
	if len(bz) < 1 {
		return nil, fmt.Errorf("ledger: empty block encoding")
	}
	typ := BlockType(bz[0])
	body := bz[1:]
	read32 := func(off int) [32]byte {
		var out [32]byte
		copy(out[:], body[off:off+32])
		return out
	}
	read64 := func(off int) [64]byte {
		var out [64]byte
		copy(out[:], body[off:off+64])
		return out
	}
	read16 := func(off int) [16]byte {
		var out [16]byte
		copy(out[:], body[off:off+16])
		return out
	}

	switch typ {
	case Open:
		if len(body) != 32+32+32+64 {
			return nil, fmt.Errorf("ledger: malformed open block")
		}
		return &OpenBlock{
			SourceHash:     read32(0),
			Representative: read32(32),
			AccountPub:     read32(64),
			Sig:            read64(96),
		}, nil
	case Send:
		if len(body) != 32+32+16+32+64 {
			return nil, fmt.Errorf("ledger: malformed send block")
		}
		return &SendBlock{
			PreviousHash: read32(0),
			Destination:  read32(32),
			Balance:      BalanceFromBytes(read16(64)),
			AccountPub:   read32(80),
			Sig:          read64(112),
		}, nil
	case Receive:
		if len(body) != 32+32+32+64 {
			return nil, fmt.Errorf("ledger: malformed receive block")
		}
		return &ReceiveBlock{
			PreviousHash: read32(0),
			SourceHash:   read32(32),
			AccountPub:   read32(64),
			Sig:          read64(96),
		}, nil
	case Change:
		if len(body) != 32+32+32+64 {
			return nil, fmt.Errorf("ledger: malformed change block")
		}
		return &ChangeBlock{
			PreviousHash:   read32(0),
			Representative: read32(32),
			AccountPub:     read32(64),
			Sig:            read64(96),
		}, nil
	case State:
		if len(body) != 32+32+32+16+32+64 {
			return nil, fmt.Errorf("ledger: malformed state block")
		}
		return &StateBlock{
			AccountPub:     read32(0),
			PreviousHash:   read32(32),
			Representative: read32(64),
			Balance:        BalanceFromBytes(read16(96)),
			Link:           read32(112),
			Sig:            read64(144),
		}, nil
	default:
		return nil, fmt.Errorf("ledger: unknown block type tag %d", typ)
	}
}
