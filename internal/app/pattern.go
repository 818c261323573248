package app

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// patternHeader is the segment index that prefixes every pattern segment.
const patternHeader = 8

// Generator produces the test stream: segment i carries i as a little-endian
// uint64 followed by bytes counting up from byte(i). The content can be
// checked by a Verifier without any side channel.
type Generator struct {
	count int // 0 for endless
	size  int
	next  uint64
}

// NewGenerator creates a source of count segments of size bytes each.
func NewGenerator(count, size int) *Generator {
	return &Generator{count: count, size: size}
}

// GetData is a udpcast.SenderCallbacks.GetData.
func (g *Generator) GetData(maxSize int) ([]byte, bool) {
	if g.count > 0 && g.next >= uint64(g.count) {
		return nil, false
	}

	data := make([]byte, max(min(g.size, maxSize), patternHeader))
	fillPattern(data, g.next)
	g.next++
	return data, true
}

func fillPattern(data []byte, index uint64) {
	binary.LittleEndian.PutUint64(data, index)
	for i := patternHeader; i < len(data); i++ {
		data[i] = byte(index) + byte(i)
	}
}

// Verifier is a consumer that checks the order and content of the pattern.
// Counters may be read from any goroutine.
type Verifier struct {
	next     uint64
	Segments atomic.Int64
	Bytes    atomic.Int64
	err      atomic.Pointer[error]
}

// ConsumeData is a udpcast.ReceiverCallbacks.ConsumeData. It always accepts;
// the first mismatch is kept and reported by Err.
func (v *Verifier) ConsumeData(data []byte) bool {
	if err := v.check(data); err != nil && v.err.Load() == nil {
		v.err.Store(&err)
	}
	v.next++
	v.Segments.Add(1)
	v.Bytes.Add(int64(len(data)))
	return true
}

func (v *Verifier) check(data []byte) error {
	if len(data) < patternHeader {
		return fmt.Errorf("segment %d: %d bytes is shorter than its header", v.next, len(data))
	}
	if index := binary.LittleEndian.Uint64(data); index != v.next {
		return fmt.Errorf("segment %d arrived out of order, expected %d", index, v.next)
	}
	for i := patternHeader; i < len(data); i++ {
		if data[i] != byte(v.next)+byte(i) {
			return fmt.Errorf("segment %d corrupt at byte %d", v.next, i)
		}
	}
	return nil
}

// Err returns the first verification failure.
func (v *Verifier) Err() error {
	if p := v.err.Load(); p != nil {
		return *p
	}
	return nil
}
