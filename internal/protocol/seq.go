package protocol

// Seq is a 16-bit sequence number that wraps at 65536. Two sequence numbers
// are only ever compared through Diff, which is unambiguous as long as they
// are less than 32768 apart.
type Seq uint16

// Diff returns the signed distance from b to s: positive when s is ahead of b.
func (s Seq) Diff(b Seq) int {
	return int(int16(s - b))
}

// Before reports whether s precedes b.
func (s Seq) Before(b Seq) bool {
	return s.Diff(b) < 0
}

// After reports whether s is ahead of b.
func (s Seq) After(b Seq) bool {
	return s.Diff(b) > 0
}

// Add returns s advanced by n, wrapping around.
func (s Seq) Add(n int) Seq {
	return s + Seq(n)
}

// Max returns whichever of s and b is ahead.
func (s Seq) Max(b Seq) Seq {
	if s.Before(b) {
		return b
	}
	return s
}

// Min returns whichever of s and b is behind.
func (s Seq) Min(b Seq) Seq {
	if b.Before(s) {
		return b
	}
	return s
}
