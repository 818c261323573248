package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Decode errors. Callers drop the datagram and move on.
var (
	ErrEmptyPacket = errors.New("empty packet")
	ErrUnknownType = errors.New("unknown packet type")
	ErrPacketSize  = errors.New("invalid packet size")
)

var le = binary.LittleEndian

// Encode serializes a packet into a freshly allocated datagram.
// It panics if a Data payload or an Update bitmap exceeds its limit.
func Encode(pkt Packet) []byte {
	switch p := pkt.(type) {
	case *Join:
		buf := make([]byte, JoinSize)
		buf[0] = byte(TypeJoin)
		le.PutUint64(buf[1:9], uint64(p.ID))
		return buf

	case *JoinResponse:
		buf := make([]byte, JoinResponseSize)
		buf[0] = byte(TypeJoinResponse)
		le.PutUint64(buf[1:9], uint64(p.ID))
		le.PutUint16(buf[9:11], uint16(p.Seq))
		le.PutUint32(buf[11:15], p.Tick)
		buf[15] = boolByte(p.Accept)
		return buf

	case *KeepAlive:
		buf := make([]byte, KeepAliveSize)
		putKeepAlive(buf, TypeKeepAlive, p)
		return buf

	case *Data:
		if len(p.Payload) > MaxPayloadSize {
			panic(fmt.Sprintf("protocol: data payload of %d bytes exceeds %d", len(p.Payload), MaxPayloadSize))
		}
		buf := make([]byte, DataHeaderSize+len(p.Payload))
		putKeepAlive(buf, TypeData, &p.KeepAlive)
		buf[KeepAliveSize] = boolByte(p.Solicit)
		copy(buf[DataHeaderSize:], p.Payload)
		return buf

	case *Update:
		if len(p.Bitmap) > MaxBitmapSize {
			panic(fmt.Sprintf("protocol: update bitmap of %d bytes exceeds %d", len(p.Bitmap), MaxBitmapSize))
		}
		buf := make([]byte, UpdateHeaderSize+len(p.Bitmap))
		buf[0] = byte(TypeUpdate)
		le.PutUint16(buf[1:3], uint16(p.Seq))
		le.PutUint16(buf[3:5], uint16(p.MaxSeq))
		le.PutUint32(buf[5:9], p.Tick)
		le.PutUint32(buf[9:13], math.Float32bits(p.Rate))
		copy(buf[UpdateHeaderSize:], p.Bitmap)
		return buf

	case *Leave:
		return []byte{byte(TypeLeave)}

	case *LeaveResponse:
		return []byte{byte(TypeLeaveResponse)}

	default:
		panic(fmt.Sprintf("protocol: cannot encode %T", pkt))
	}
}

// Decode parses a datagram. Fixed-size kinds must match their size exactly;
// Data and Update must carry at least their header and at most their limit.
// Payload and bitmap are copied, so data may be reused by the caller.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}

	t := Type(data[0])
	switch t {
	case TypeJoin:
		if err := checkSize(t, data, JoinSize, JoinSize); err != nil {
			return nil, err
		}
		return &Join{ID: int64(le.Uint64(data[1:9]))}, nil

	case TypeJoinResponse:
		if err := checkSize(t, data, JoinResponseSize, JoinResponseSize); err != nil {
			return nil, err
		}
		return &JoinResponse{
			ID:     int64(le.Uint64(data[1:9])),
			Seq:    Seq(le.Uint16(data[9:11])),
			Tick:   le.Uint32(data[11:15]),
			Accept: data[15] != 0,
		}, nil

	case TypeKeepAlive:
		if err := checkSize(t, data, KeepAliveSize, KeepAliveSize); err != nil {
			return nil, err
		}
		ka := getKeepAlive(data)
		return &ka, nil

	case TypeData:
		if err := checkSize(t, data, DataHeaderSize, DataHeaderSize+MaxPayloadSize); err != nil {
			return nil, err
		}
		pkt := &Data{
			KeepAlive: getKeepAlive(data),
			Solicit:   data[KeepAliveSize] != 0,
			Payload:   make([]byte, len(data)-DataHeaderSize),
		}
		copy(pkt.Payload, data[DataHeaderSize:])
		return pkt, nil

	case TypeUpdate:
		if err := checkSize(t, data, UpdateHeaderSize, UpdateHeaderSize+MaxBitmapSize); err != nil {
			return nil, err
		}
		pkt := &Update{
			Seq:    Seq(le.Uint16(data[1:3])),
			MaxSeq: Seq(le.Uint16(data[3:5])),
			Tick:   le.Uint32(data[5:9]),
			Rate:   math.Float32frombits(le.Uint32(data[9:13])),
		}
		if len(data) > UpdateHeaderSize {
			pkt.Bitmap = make([]byte, len(data)-UpdateHeaderSize)
			copy(pkt.Bitmap, data[UpdateHeaderSize:])
		}
		return pkt, nil

	case TypeLeave:
		if err := checkSize(t, data, LeaveSize, LeaveSize); err != nil {
			return nil, err
		}
		return &Leave{}, nil

	case TypeLeaveResponse:
		if err := checkSize(t, data, LeaveResponseSize, LeaveResponseSize); err != nil {
			return nil, err
		}
		return &LeaveResponse{}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, data[0])
	}
}

// PeekType returns the type byte without parsing the rest of the datagram.
func PeekType(data []byte) Type {
	if len(data) == 0 {
		return TypeNone
	}
	return Type(data[0])
}

// PeekKeepAlive reads the prefix shared by KeepAlive and Data.
func PeekKeepAlive(data []byte) (KeepAlive, bool) {
	switch PeekType(data) {
	case TypeKeepAlive, TypeData:
		if len(data) >= KeepAliveSize {
			return getKeepAlive(data), true
		}
	}
	return KeepAlive{}, false
}

func checkSize(t Type, data []byte, lo, hi int) error {
	if len(data) < lo || len(data) > hi {
		return fmt.Errorf("%w: %s packet of %d bytes", ErrPacketSize, t, len(data))
	}
	return nil
}

func putKeepAlive(buf []byte, t Type, ka *KeepAlive) {
	buf[0] = byte(t)
	le.PutUint16(buf[1:3], uint16(ka.Seq))
	le.PutUint16(buf[3:5], uint16(ka.MaxSeq))
	le.PutUint32(buf[5:9], ka.Tick)
}

func getKeepAlive(data []byte) KeepAlive {
	return KeepAlive{
		Seq:    Seq(le.Uint16(data[1:3])),
		MaxSeq: Seq(le.Uint16(data[3:5])),
		Tick:   le.Uint32(data[5:9]),
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
