package transport

import (
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	maxDatagramSize = 64 * 1024 // read buffer, larger than any packet
	minBurst        = 64 * 1024 // one maximal datagram must always fit
)

// pacer gates outgoing traffic to a byte rate. A write is never delayed;
// instead the bucket goes into debt and Delay reports how long the loop must
// wait before the next write. A nil pacer is unlimited.
type pacer struct {
	limiter *rate.Limiter
	clock   clockwork.Clock
}

func newPacer(bytesPerSec int64, clock clockwork.Clock) *pacer {
	if bytesPerSec <= 0 {
		return nil
	}

	// Allow about 100ms of traffic at once.
	burst := max(int(bytesPerSec/10), minBurst)
	return &pacer{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		clock:   clock,
	}
}

// consume charges n bytes against the bucket.
func (p *pacer) consume(n int) {
	if p == nil {
		return
	}
	p.limiter.ReserveN(p.clock.Now(), n)
}

// delay returns how long until the bucket is positive again.
func (p *pacer) delay() time.Duration {
	if p == nil {
		return 0
	}

	tokens := p.limiter.TokensAt(p.clock.Now())
	if tokens > 0 {
		return 0
	}

	seconds := (1 - tokens) / float64(p.limiter.Limit())
	return time.Duration(seconds * float64(time.Second))
}

// WriteDelay returns how long the loop must wait before the socket accepts
// the next write under its rate limit.
func (s *Socket) WriteDelay() time.Duration {
	return s.pacer.delay()
}
