// Package monitor streams scheduler and panel snapshots to websocket clients.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/poltergeist/prototype/internal/scheduler"
	"github.com/poltergeist/prototype/pkg/logger"
	"github.com/poltergeist/prototype/pkg/types"
)

const (
	DefaultInterval = 50 * time.Millisecond

	writeTimeout    = 5 * time.Second
	pingInterval    = 20 * time.Second
	shutdownTimeout = 2 * time.Second
	clientQueue     = 4
	maxReadBytes    = 1024
)

// Snapshot is one telemetry frame
type Snapshot struct {
	Seq        uint64                  `json:"seq"`
	Time       time.Time               `json:"time"`
	State      types.SchedulerState    `json:"state"`
	Engine     string                  `json:"engine,omitempty"`
	Display    string                  `json:"display,omitempty"`
	Message    string                  `json:"message,omitempty"`
	SampleRate float64                 `json:"sampleRate"`
	Dispatched uint64                  `json:"dispatched"`
	Skipped    uint64                  `json:"skipped"`
	Panel      scheduler.PanelSnapshot `json:"panel"`
}

// Options configure a Server
type Options struct {
	Interval time.Duration
	// Display returns the engine/path line shown to users, if any.
	Display func() string
}

// Server broadcasts snapshots of one scheduler
type Server struct {
	sched    *scheduler.Scheduler
	log      logger.Logger
	interval time.Duration
	display  func() string
	upgrader websocket.Upgrader

	seq     atomic.Uint64
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// New creates a monitor for sched
func New(sched *scheduler.Scheduler, log logger.Logger, opts Options) *Server {
	if log == nil {
		log = logger.Discard()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Server{
		sched:    sched,
		log:      log,
		interval: opts.Interval,
		display:  opts.Display,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Snapshot captures the current state
func (s *Server) Snapshot() Snapshot {
	dispatched, skipped := s.sched.Stats()
	snap := Snapshot{
		Seq:        s.seq.Add(1),
		Time:       time.Now(),
		State:      s.sched.State(),
		Engine:     s.sched.EngineName(),
		Message:    s.sched.Message(),
		SampleRate: s.sched.SampleRate(),
		Dispatched: dispatched,
		Skipped:    skipped,
		Panel:      s.sched.Panel().Snapshot(),
	}
	if s.display != nil {
		snap.Display = s.display()
	}
	return snap
}

// Handler serves "/ws" for the stream and "/snapshot" for a single JSON frame.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/snapshot", s.serveSnapshot)
	return mux
}

// Clients returns the number of connected websocket clients
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		s.log.Debug("Snapshot write failed", logger.WithError(err))
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Websocket upgrade failed", logger.WithError(err))
		return
	}
	conn.SetReadLimit(maxReadBytes)

	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	if data, err := json.Marshal(s.Snapshot()); err == nil {
		c.send <- data
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("Monitor client connected", logger.WithField("remote", r.RemoteAddr))

	go s.writeLoop(c)

	// Clients only listen; reading detects when they go away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.drop(c)
	s.log.Debug("Monitor client disconnected", logger.WithField("remote", r.RemoteAddr))
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.close()
	}
	s.mu.Unlock()
}

func (s *Server) writeLoop(c *client) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// Broadcast sends one snapshot to every client. A client whose queue is
// full misses the frame rather than holding up the others.
func (s *Server) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) == 0 {
		return
	}

	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		s.log.Warn("Failed to encode snapshot", logger.WithError(err))
		return
	}
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Run broadcasts at the configured interval until ctx is done, then
// disconnects every client.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return nil
		case <-ticker.C:
			s.Broadcast()
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		c.close()
	}
}

// ListenAndServe serves the monitor on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, gctx := scheduler.NewSafeGroup(ctx, s.log)
	group.Go(func() error {
		return s.Run(gctx)
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		s.log.Info("Monitor listening", logger.WithField("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return group.Wait()
}
