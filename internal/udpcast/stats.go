package udpcast

import (
	"math"
	"sync/atomic"
)

// SenderStats holds the sender's diagnostic counters. Counters are written by
// the endpoint's event loop and may be read concurrently through Snapshot.
type SenderStats struct {
	ContentLength      atomic.Int64 // bytes pulled from the data source
	SendLength         atomic.Int64 // payload bytes transmitted, retransmissions included
	SendCount          atomic.Int64 // Data packets transmitted
	NakCount           atomic.Int64 // retransmissions
	KeepAliveCount     atomic.Int64 // KeepAlive packets sent
	UpdateCount        atomic.Int64 // Update packets received
	InvalidUpdateCount atomic.Int64 // undecodable, stale or foreign datagrams

	rtt     atomic.Int64 // microseconds
	window  atomic.Int64
	clients atomic.Int64
	base    atomic.Uint32
	maxSeq  atomic.Uint32
}

// SenderSnapshot is a point-in-time copy of SenderStats.
type SenderSnapshot struct {
	ContentLength      int64   `json:"contentLength"`
	SendLength         int64   `json:"sendLength"`
	SendCount          int64   `json:"sendCount"`
	NakCount           int64   `json:"nakCount"`
	KeepAliveCount     int64   `json:"keepAliveCount"`
	UpdateCount        int64   `json:"updateCount"`
	InvalidUpdateCount int64   `json:"invalidUpdateCount"`
	RTTMicros          int64   `json:"rttMicros"`
	Window             int64   `json:"window"`
	Clients            int64   `json:"clients"`
	Seq                uint16  `json:"seq"`
	MaxSeq             uint16  `json:"maxSeq"`
	NakRatio           float64 `json:"nakRatio"`
}

// Snapshot copies the current values.
func (s *SenderStats) Snapshot() SenderSnapshot {
	snap := SenderSnapshot{
		ContentLength:      s.ContentLength.Load(),
		SendLength:         s.SendLength.Load(),
		SendCount:          s.SendCount.Load(),
		NakCount:           s.NakCount.Load(),
		KeepAliveCount:     s.KeepAliveCount.Load(),
		UpdateCount:        s.UpdateCount.Load(),
		InvalidUpdateCount: s.InvalidUpdateCount.Load(),
		RTTMicros:          s.rtt.Load(),
		Window:             s.window.Load(),
		Clients:            s.clients.Load(),
		Seq:                uint16(s.base.Load()),
		MaxSeq:             uint16(s.maxSeq.Load()),
	}
	if snap.SendCount > 0 {
		snap.NakRatio = float64(snap.NakCount) / float64(snap.SendCount)
	}
	return snap
}

// ReceiverStats holds the receiver's diagnostic counters.
type ReceiverStats struct {
	ContentLength    atomic.Int64 // bytes accepted by the consumer
	KeepAliveCount   atomic.Int64 // KeepAlive packets handled
	UpdateCount      atomic.Int64 // Update packets sent
	DataCount        atomic.Int64 // in-window Data packets stored
	DataDuplicate    atomic.Int64 // in-window Data packets already held
	InvalidDataCount atomic.Int64 // Data packets ahead of the receive window
	StaleDataCount   atomic.Int64 // Data packets behind the receive window
	MalformedCount   atomic.Int64 // undecodable datagrams

	window atomic.Int64
	base   atomic.Uint32
	rate   atomic.Uint64 // float64 bits, bytes per second
}

// ReceiverSnapshot is a point-in-time copy of ReceiverStats.
type ReceiverSnapshot struct {
	ContentLength    int64   `json:"contentLength"`
	KeepAliveCount   int64   `json:"keepAliveCount"`
	UpdateCount      int64   `json:"updateCount"`
	DataCount        int64   `json:"dataCount"`
	DataDuplicate    int64   `json:"dataDuplicate"`
	InvalidDataCount int64   `json:"invalidDataCount"`
	StaleDataCount   int64   `json:"staleDataCount"`
	MalformedCount   int64   `json:"malformedCount"`
	Window           int64   `json:"window"`
	Seq              uint16  `json:"seq"`
	Rate             float64 `json:"rate"`
}

// Snapshot copies the current values.
func (s *ReceiverStats) Snapshot() ReceiverSnapshot {
	return ReceiverSnapshot{
		ContentLength:    s.ContentLength.Load(),
		KeepAliveCount:   s.KeepAliveCount.Load(),
		UpdateCount:      s.UpdateCount.Load(),
		DataCount:        s.DataCount.Load(),
		DataDuplicate:    s.DataDuplicate.Load(),
		InvalidDataCount: s.InvalidDataCount.Load(),
		StaleDataCount:   s.StaleDataCount.Load(),
		MalformedCount:   s.MalformedCount.Load(),
		Window:           s.window.Load(),
		Seq:              uint16(s.base.Load()),
		Rate:             math.Float64frombits(s.rate.Load()),
	}
}
