// Package wire implements the fixed message set and framing of spec.md
// section 4.D / 6: an 8-byte header followed by a type-specific body.
// Parsing failures never crash the channel; they are reported to the caller
// as an error so internal/netp2p can drop the frame and bump a counter.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed 8-byte header every message begins with:
// {network:2, versions:3, type:1, extensions:2}.
const HeaderSize = 8

// MessageType enumerates the fixed message set of spec.md section 4.D.
type MessageType uint8

const (
	TypeInvalid MessageType = iota
	TypeKeepalive
	TypePublish
	TypeConfirmReq
	TypeConfirmAck
	TypeBulkPull
	TypeBulkPullAccount
	TypeBulkPush
	TypeFrontierReq
	TypeNodeIDHandshake
	TypeTelemetryReq
	TypeTelemetryAck
)

func (t MessageType) String() string {
	switch t {
	case TypeKeepalive:
		return "keepalive"
	case TypePublish:
		return "publish"
	case TypeConfirmReq:
		return "confirm_req"
	case TypeConfirmAck:
		return "confirm_ack"
	case TypeBulkPull:
		return "bulk_pull"
	case TypeBulkPullAccount:
		return "bulk_pull_account"
	case TypeBulkPush:
		return "bulk_push"
	case TypeFrontierReq:
		return "frontier_req"
	case TypeNodeIDHandshake:
		return "node_id_handshake"
	case TypeTelemetryReq:
		return "telemetry_req"
	case TypeTelemetryAck:
		return "telemetry_ack"
	default:
		return "invalid"
	}
}

// Network identifies which network a node participates in, so a node built
// for one network never silently accepts frames from another.
type Network uint16

const (
	NetworkLive Network = iota + 1
	NetworkTest
)

// Header is the fixed preamble of every wire message.
type Header struct {
	Network     Network
	Version     uint8
	VersionMin  uint8
	VersionMax  uint8
	Type        MessageType
	Extensions  uint16
}

// Encode writes the header's canonical 8-byte form.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.Network))
	buf[2] = h.VersionMax
	buf[3] = h.Version
	buf[4] = h.VersionMin
	buf[5] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[6:8], h.Extensions)
	return buf
}

// DecodeHeader parses the fixed 8-byte preamble. It never panics: malformed
// input yields an error so the caller can drop the message and count it,
// per spec.md section 4.D ("Parsing failure drops the message ... never
// crashes the channel").
func DecodeHeader(bz []byte) (Header, error) {
	if len(bz) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header (%d bytes)", len(bz))
	}
	h := Header{
		Network:    Network(binary.BigEndian.Uint16(bz[0:2])),
		VersionMax: bz[2],
		Version:    bz[3],
		VersionMin: bz[4],
		Type:       MessageType(bz[5]),
		Extensions: binary.BigEndian.Uint16(bz[6:8]),
	}
	if h.Type == TypeInvalid || h.Type > TypeTelemetryAck {
		return Header{}, fmt.Errorf("wire: unknown message type %d", bz[5])
	}
	return h, nil
}
