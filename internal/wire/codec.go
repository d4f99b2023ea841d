package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/nanocurrency/nanod/internal/ledger"
)

// Message pairs a parsed Header with its decoded body, the shape
// internal/netp2p's channel layer hands upward once a frame is demuxed.
type Message struct {
	Header Header
	Body   interface{}
}

// Marshal produces the full wire representation (header + body) for one of
// the body types defined in messages.go. Block type and item counts are
// carried in the body rather than the header's Extensions bitfield: the
// live protocol packs them into spare header bits, but doing the same here
// would just be another layer of bit-twiddling over what a leading
// encoding/binary count already expresses, so Extensions is left reserved.
func Marshal(network Network, version Versions, body interface{}) ([]byte, error) {
	var typ MessageType
	var payload []byte
	var err error

	switch v := body.(type) {
	case Keepalive:
		typ = TypeKeepalive
		payload = encodeKeepalive(v)
	case Publish:
		typ = TypePublish
		payload = ledger.EncodeBlock(v.Block)
	case ConfirmReq:
		typ = TypeConfirmReq
		payload = encodeBlockList(v.Blocks)
	case ConfirmAck:
		typ = TypeConfirmAck
		payload = encodeConfirmAck(v)
	case BulkPull:
		typ = TypeBulkPull
		payload = encodeBulkPull(v)
	case BulkPullAccount:
		typ = TypeBulkPullAccount
		payload = encodeBulkPullAccount(v)
	case BulkPush:
		typ = TypeBulkPush
		payload = nil
	case FrontierReq:
		typ = TypeFrontierReq
		payload = encodeFrontierReq(v)
	case NodeIDHandshake:
		typ = TypeNodeIDHandshake
		payload = encodeNodeIDHandshake(v)
	case TelemetryReq:
		typ = TypeTelemetryReq
		payload = nil
	case TelemetryAck:
		typ = TypeTelemetryAck
		payload = encodeTelemetryAck(v)
	default:
		return nil, fmt.Errorf("wire: unsupported message body %T", body)
	}
	if err != nil {
		return nil, err
	}

	h := Header{
		Network:    network,
		Version:    version.Version,
		VersionMin: version.Min,
		VersionMax: version.Max,
		Type:       typ,
	}
	return append(h.Encode(), payload...), nil
}

// Versions bundles the three version fields a node advertises in every
// header, separated out of Header itself so callers configure it once.
type Versions struct {
	Version uint8
	Min     uint8
	Max     uint8
}

// Unmarshal splits a full frame into its Header and decoded body. The frame
// boundary itself is the transport's responsibility (datagram channels use
// the underlying packet boundary; StreamChannel writes frames without a
// length prefix) — Unmarshal only ever sees one complete message.
func Unmarshal(frame []byte) (Message, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return Message{}, err
	}
	payload := frame[HeaderSize:]

	var body interface{}
	switch h.Type {
	case TypeKeepalive:
		body, err = decodeKeepalive(payload)
	case TypePublish:
		var b ledger.Block
		b, err = ledger.DecodeBlock(payload)
		body = Publish{Block: b}
	case TypeConfirmReq:
		var blocks []ledger.Block
		blocks, err = decodeBlockList(payload)
		body = ConfirmReq{Blocks: blocks}
	case TypeConfirmAck:
		body, err = decodeConfirmAck(payload)
	case TypeBulkPull:
		body, err = decodeBulkPull(payload)
	case TypeBulkPullAccount:
		body, err = decodeBulkPullAccount(payload)
	case TypeBulkPush:
		body = BulkPush{}
	case TypeFrontierReq:
		body, err = decodeFrontierReq(payload)
	case TypeNodeIDHandshake:
		body, err = decodeNodeIDHandshake(payload)
	case TypeTelemetryReq:
		body = TelemetryReq{}
	case TypeTelemetryAck:
		body, err = decodeTelemetryAck(payload)
	default:
		return Message{}, fmt.Errorf("wire: unhandled message type %s", h.Type)
	}
	if err != nil {
		return Message{}, fmt.Errorf("wire: decoding %s body: %w", h.Type, err)
	}
	return Message{Header: h, Body: body}, nil
}

func encodeKeepalive(k Keepalive) []byte {
	buf := make([]byte, 0, len(k.Peers)*18)
	for _, p := range k.Peers {
		buf = append(buf, p.IP[:]...)
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], p.Port)
		buf = append(buf, port[:]...)
	}
	return buf
}

func decodeKeepalive(bz []byte) (Keepalive, error) {
	const entry = 18
	if len(bz) != entry*8 {
		return Keepalive{}, fmt.Errorf("malformed keepalive (%d bytes)", len(bz))
	}
	var k Keepalive
	for i := range k.Peers {
		off := i * entry
		copy(k.Peers[i].IP[:], bz[off:off+16])
		k.Peers[i].Port = binary.BigEndian.Uint16(bz[off+16 : off+18])
	}
	return k, nil
}

// encodeBlockList and decodeBlockList serialize a variable number of blocks
// as {count:u32}{per-block: type-tag byte + fixed body}..., used by both
// confirm_req and (eventually) bulk_pull streaming.
func encodeBlockList(blocks []ledger.Block) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(blocks)))
	for _, b := range blocks {
		buf = append(buf, ledger.EncodeBlock(b)...)
	}
	return buf
}

func decodeBlockList(bz []byte) ([]ledger.Block, error) {
	if len(bz) < 4 {
		return nil, fmt.Errorf("malformed block list header")
	}
	count := binary.BigEndian.Uint32(bz[0:4])
	bz = bz[4:]
	blocks := make([]ledger.Block, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(bz) < 1 {
			return nil, fmt.Errorf("malformed block list: short entry %d", i)
		}
		size, err := ledger.BlockWireSize(ledger.BlockType(bz[0]))
		if err != nil {
			return nil, err
		}
		if len(bz) < size {
			return nil, fmt.Errorf("malformed block list: entry %d truncated", i)
		}
		b, err := ledger.DecodeBlock(bz[:size])
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
		bz = bz[size:]
	}
	return blocks, nil
}

func encodeConfirmAck(ack ConfirmAck) []byte {
	buf := make([]byte, 32+64+8+4)
	off := 0
	off += copy(buf[off:], ack.Account[:])
	off += copy(buf[off:], ack.Signature[:])
	binary.BigEndian.PutUint64(buf[off:], ack.Sequence)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(ack.Hashes)))
	for _, h := range ack.Hashes {
		buf = append(buf, h[:]...)
	}
	return buf
}

func decodeConfirmAck(bz []byte) (ConfirmAck, error) {
	const fixed = 32 + 64 + 8 + 4
	if len(bz) < fixed {
		return ConfirmAck{}, fmt.Errorf("malformed confirm_ack header")
	}
	var ack ConfirmAck
	off := 0
	copy(ack.Account[:], bz[off:off+32])
	off += 32
	copy(ack.Signature[:], bz[off:off+64])
	off += 64
	ack.Sequence = binary.BigEndian.Uint64(bz[off : off+8])
	off += 8
	count := binary.BigEndian.Uint32(bz[off : off+4])
	off += 4
	rest := bz[off:]
	if uint32(len(rest)) != count*32 {
		return ConfirmAck{}, fmt.Errorf("malformed confirm_ack: hash count mismatch")
	}
	ack.Hashes = make([]ledger.BlockHash, count)
	for i := uint32(0); i < count; i++ {
		copy(ack.Hashes[i][:], rest[i*32:(i+1)*32])
	}
	return ack, nil
}

func encodeBulkPull(p BulkPull) []byte {
	buf := make([]byte, 32+32+4)
	off := 0
	off += copy(buf[off:], p.Start[:])
	off += copy(buf[off:], p.End[:])
	binary.BigEndian.PutUint32(buf[off:], p.Count)
	return buf
}

func decodeBulkPull(bz []byte) (BulkPull, error) {
	if len(bz) != 32+32+4 {
		return BulkPull{}, fmt.Errorf("malformed bulk_pull")
	}
	var p BulkPull
	off := 0
	copy(p.Start[:], bz[off:off+32])
	off += 32
	copy(p.End[:], bz[off:off+32])
	off += 32
	p.Count = binary.BigEndian.Uint32(bz[off : off+4])
	return p, nil
}

func encodeBulkPullAccount(p BulkPullAccount) []byte {
	buf := make([]byte, 32+16+1)
	off := 0
	off += copy(buf[off:], p.Account[:])
	bal := p.MinimumAmount.Bytes()
	off += copy(buf[off:], bal[:])
	buf[off] = byte(p.Flags)
	return buf
}

func decodeBulkPullAccount(bz []byte) (BulkPullAccount, error) {
	if len(bz) != 32+16+1 {
		return BulkPullAccount{}, fmt.Errorf("malformed bulk_pull_account")
	}
	var p BulkPullAccount
	off := 0
	copy(p.Account[:], bz[off:off+32])
	off += 32
	var bal [16]byte
	copy(bal[:], bz[off:off+16])
	p.MinimumAmount = ledger.BalanceFromBytes(bal)
	off += 16
	p.Flags = BulkPullAccountFlag(bz[off])
	return p, nil
}

func encodeFrontierReq(f FrontierReq) []byte {
	buf := make([]byte, 32+4+4)
	off := 0
	off += copy(buf[off:], f.Start[:])
	binary.BigEndian.PutUint32(buf[off:], f.AgeSeconds)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], f.Count)
	return buf
}

func decodeFrontierReq(bz []byte) (FrontierReq, error) {
	if len(bz) != 32+4+4 {
		return FrontierReq{}, fmt.Errorf("malformed frontier_req")
	}
	var f FrontierReq
	off := 0
	copy(f.Start[:], bz[off:off+32])
	off += 32
	f.AgeSeconds = binary.BigEndian.Uint32(bz[off : off+4])
	off += 4
	f.Count = binary.BigEndian.Uint32(bz[off : off+4])
	return f, nil
}

// node_id_handshake is the one message whose shape varies by leg: a bare
// query or a response (the responder's combined reply is a Response
// carrying its own cookie in Response.Query).
// A one-byte flag set records which fields follow.
const (
	handshakeHasQuery    = 1 << 0
	handshakeHasResponse = 1 << 1
)

func encodeNodeIDHandshake(h NodeIDHandshake) []byte {
	var flags byte
	if h.Query != nil {
		flags |= handshakeHasQuery
	}
	if h.Response != nil {
		flags |= handshakeHasResponse
	}
	buf := []byte{flags}
	if h.Query != nil {
		buf = append(buf, h.Query[:]...)
	}
	if h.Response != nil {
		buf = append(buf, encodeHandshakeResponse(*h.Response)...)
	}
	return buf
}

func decodeNodeIDHandshake(bz []byte) (NodeIDHandshake, error) {
	if len(bz) < 1 {
		return NodeIDHandshake{}, fmt.Errorf("malformed node_id_handshake")
	}
	flags := bz[0]
	bz = bz[1:]
	var h NodeIDHandshake
	if flags&handshakeHasQuery != 0 {
		if len(bz) < 32 {
			return NodeIDHandshake{}, fmt.Errorf("malformed node_id_handshake query")
		}
		var q [32]byte
		copy(q[:], bz[:32])
		h.Query = &q
		bz = bz[32:]
	}
	if flags&handshakeHasResponse != 0 {
		resp, err := decodeHandshakeResponse(bz)
		if err != nil {
			return NodeIDHandshake{}, err
		}
		h.Response = &resp
	}
	return h, nil
}

func encodeHandshakeResponse(r HandshakeResponse) []byte {
	flags := byte(0)
	if r.Query != nil {
		flags = 1
	}
	buf := make([]byte, 0, 1+32+64+32)
	buf = append(buf, flags)
	buf = append(buf, r.Account[:]...)
	buf = append(buf, r.Signature[:]...)
	if r.Query != nil {
		buf = append(buf, r.Query[:]...)
	}
	return buf
}

func decodeHandshakeResponse(bz []byte) (HandshakeResponse, error) {
	if len(bz) < 1+32+64 {
		return HandshakeResponse{}, fmt.Errorf("malformed handshake_response")
	}
	var r HandshakeResponse
	flags := bz[0]
	off := 1
	copy(r.Account[:], bz[off:off+32])
	off += 32
	copy(r.Signature[:], bz[off:off+64])
	off += 64
	if flags&1 != 0 {
		if len(bz) < off+32 {
			return HandshakeResponse{}, fmt.Errorf("malformed handshake_response query")
		}
		var q [32]byte
		copy(q[:], bz[off:off+32])
		r.Query = &q
	}
	return r, nil
}

func encodeTelemetryAck(t TelemetryAck) []byte {
	buf := make([]byte, 8+8+8+4+1)
	off := 0
	binary.BigEndian.PutUint64(buf[off:], t.BlockCount)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], t.CementedCount)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], t.UncheckedCount)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], t.PeerCount)
	off += 4
	buf[off] = t.ProtocolVersion
	return buf
}

func decodeTelemetryAck(bz []byte) (TelemetryAck, error) {
	if len(bz) != 8+8+8+4+1 {
		return TelemetryAck{}, fmt.Errorf("malformed telemetry_ack")
	}
	var t TelemetryAck
	off := 0
	t.BlockCount = binary.BigEndian.Uint64(bz[off : off+8])
	off += 8
	t.CementedCount = binary.BigEndian.Uint64(bz[off : off+8])
	off += 8
	t.UncheckedCount = binary.BigEndian.Uint64(bz[off : off+8])
	off += 8
	t.PeerCount = binary.BigEndian.Uint32(bz[off : off+4])
	off += 4
	t.ProtocolVersion = bz[off]
	return t, nil
}
