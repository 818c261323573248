// Package protocol defines the wire format of the udpcast transport: seven
// fixed-layout datagram kinds, each starting with a one-byte type discriminant.
package protocol

// Type identifies the kind of a datagram. It is always the first byte.
type Type uint8

// Packet type constants.
const (
	TypeNone          Type = 0x00
	TypeJoin          Type = 0x01 // receiver -> sender
	TypeJoinResponse  Type = 0x02 // sender -> group, echoed back by the receiver
	TypeKeepAlive     Type = 0x03 // sender -> group or single receiver
	TypeData          Type = 0x04 // sender -> group
	TypeUpdate        Type = 0x05 // receiver -> sender
	TypeLeave         Type = 0x06 // receiver -> sender
	TypeLeaveResponse Type = 0x07 // sender -> receiver
)

// Size limits.
const (
	MaxPayloadSize = 60000 // largest Data payload
	MaxBitmapSize  = 1400  // largest Update bitmap
)

// Encoded sizes of the fixed parts.
const (
	JoinSize          = 1 + 8             // type + id
	JoinResponseSize  = 1 + 8 + 2 + 4 + 1 // type + id + seq + tick + accept
	KeepAliveSize     = 1 + 2 + 2 + 4     // type + seq + maxSeq + tick
	DataHeaderSize    = KeepAliveSize + 1 // + keepalive flag
	UpdateHeaderSize  = 1 + 2 + 2 + 4 + 4 // type + seq + maxSeq + tick + rate
	LeaveSize         = 1
	LeaveResponseSize = 1
)

func (t Type) String() string {
	switch t {
	case TypeJoin:
		return "join"
	case TypeJoinResponse:
		return "join-response"
	case TypeKeepAlive:
		return "keepalive"
	case TypeData:
		return "data"
	case TypeUpdate:
		return "update"
	case TypeLeave:
		return "leave"
	case TypeLeaveResponse:
		return "leave-response"
	default:
		return "unknown"
	}
}

// Packet is implemented by every datagram kind.
type Packet interface {
	Type() Type
}

// Join asks the sender to admit a receiver. ID is an opaque session token
// chosen by the receiver and echoed in the JoinResponse.
type Join struct {
	ID int64
}

// JoinResponse is broadcast by the sender so that every receiver learns the
// same base sequence. Tick is echoed back by the joining receiver.
type JoinResponse struct {
	ID     int64
	Seq    Seq
	Tick   uint32
	Accept bool
}

// KeepAlive carries the lowest unacknowledged sequence and the next sequence
// the sender will transmit. It solicits an Update.
type KeepAlive struct {
	Seq    Seq
	MaxSeq Seq
	Tick   uint32
}

// Data carries one segment. It shares the KeepAlive prefix on the wire.
type Data struct {
	KeepAlive
	Solicit bool // ask receivers for an Update
	Payload []byte
}

// Update reports the receiver's state. Bit i of Bitmap set means Seq+i has
// been received.
type Update struct {
	Seq    Seq
	MaxSeq Seq
	Tick   uint32
	Rate   float32
	Bitmap []byte
}

// Leave asks the sender to drop the receiver.
type Leave struct{}

// LeaveResponse confirms a Leave or announces an eviction.
type LeaveResponse struct{}

func (*Join) Type() Type          { return TypeJoin }
func (*JoinResponse) Type() Type  { return TypeJoinResponse }
func (*KeepAlive) Type() Type     { return TypeKeepAlive }
func (*Data) Type() Type          { return TypeData }
func (*Update) Type() Type        { return TypeUpdate }
func (*Leave) Type() Type         { return TypeLeave }
func (*LeaveResponse) Type() Type { return TypeLeaveResponse }

// Received reports whether the bitmap marks offset i as received. Offsets
// past the end of the bitmap count as missing.
func (u *Update) Received(i int) bool {
	if i < 0 || i>>3 >= len(u.Bitmap) {
		return false
	}
	return u.Bitmap[i>>3]&(1<<(i&7)) != 0
}

// Mark sets bit i of a bitmap.
func Mark(bitmap []byte, i int) {
	bitmap[i>>3] |= 1 << (i & 7)
}
