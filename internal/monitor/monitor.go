// Package monitor serves live statistics of a running endpoint over HTTP: a
// WebSocket feed of JSON reports, the same report on demand and a Prometheus
// scrape endpoint.
package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/udpcast/internal/metrics"
	"github.com/1ureka/udpcast/internal/udpcast"
	"github.com/1ureka/udpcast/internal/util"
)

const DefaultInterval = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Source names the statistics to publish. Either endpoint may be nil.
type Source struct {
	Sender   *udpcast.SenderStats
	Receiver *udpcast.ReceiverStats
}

// SocketReport holds the process-wide UDP counters.
type SocketReport struct {
	BytesSent   int64 `json:"bytesSent"`
	BytesRecv   int64 `json:"bytesRecv"`
	PacketsSent int64 `json:"packetsSent"`
	PacketsRecv int64 `json:"packetsRecv"`
}

// Report is one JSON message of the feed.
type Report struct {
	Time     time.Time                 `json:"time"`
	Sender   *udpcast.SenderSnapshot   `json:"sender,omitempty"`
	Receiver *udpcast.ReceiverSnapshot `json:"receiver,omitempty"`
	Socket   SocketReport              `json:"socket"`
}

// Server is the HTTP monitor.
type Server struct {
	src      Source
	interval time.Duration
	registry *prometheus.Registry

	listener net.Listener
	srv      *http.Server
	done     chan struct{}
	once     sync.Once
}

// New creates a monitor publishing src every interval on the WebSocket feed.
func New(src Source, interval time.Duration) *Server {
	if interval <= 0 {
		interval = DefaultInterval
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewSocketCollector())
	if src.Sender != nil {
		reg.MustRegister(metrics.NewSenderCollector(src.Sender))
	}
	if src.Receiver != nil {
		reg.MustRegister(metrics.NewReceiverCollector(src.Receiver))
	}

	return &Server{
		src:      src,
		interval: interval,
		registry: reg,
		done:     make(chan struct{}),
	}
}

// Start begins listening on addr and serving in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("monitor stopped: %v", err)
		}
	}()

	util.LogInfo("monitor listening on http://%s", listener.Addr())
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the server and every open feed.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.srv != nil {
			err = s.srv.Close()
		}
	})
	return err
}

// Report assembles the current statistics.
func (s *Server) Report() Report {
	r := Report{
		Time: time.Now(),
		Socket: SocketReport{
			BytesSent:   util.Stats.BytesSent.Load(),
			BytesRecv:   util.Stats.BytesRecv.Load(),
			PacketsSent: util.Stats.PacketsSent.Load(),
			PacketsRecv: util.Stats.PacketsRecv.Load(),
		},
	}
	if s.src.Sender != nil {
		snap := s.src.Sender.Snapshot()
		r.Sender = &snap
	}
	if s.src.Receiver != nil {
		snap := s.src.Receiver.Snapshot()
		r.Receiver = &snap
	}
	return r
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Report()); err != nil {
		util.LogDebug("failed to write stats: %v", err)
	}
}

// handleWS pushes a report immediately and then every interval until the
// peer goes away or the server closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Drain control frames; a read error means the peer is gone.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.Report()); err != nil {
			util.LogDebug("monitor feed closed: %v", err)
			return
		}

		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-s.done:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
