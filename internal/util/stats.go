package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide socket traffic counter.
var Stats = &stats{}

type stats struct {
	BytesSent   atomic.Int64 // cumulative bytes written to UDP sockets
	BytesRecv   atomic.Int64 // cumulative bytes read from UDP sockets
	PacketsSent atomic.Int64
	PacketsRecv atomic.Int64
}

func (s *stats) AddSent(n int) {
	s.BytesSent.Add(int64(n))
	s.PacketsSent.Add(1)
}

func (s *stats) AddRecv(n int) {
	s.BytesRecv.Add(int64(n))
	s.PacketsRecv.Add(1)
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs socket throughput every
// interval, followed by the line returned by detail (if non-nil). It stops
// when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration, detail func() string) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / interval.Seconds()
				inS := float64(recv-prevRecv) / interval.Seconds()

				line := formatStats(inS, outS)
				if detail != nil {
					line += " | " + detail()
				}
				pterm.DefaultLogger.Info(line)

				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s", FormatBytes(inS), FormatBytes(outS))
}
