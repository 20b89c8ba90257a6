package netrepeater

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimitHandlerOptions contains options for a rate-limiting handler.
type RateLimitHandlerOptions struct {
	// Number of connections allowed per client IP and window.
	MaxRequests uint

	// Length of the counting window, default one minute.
	Window time.Duration

	// File the counter state is persisted to, optional. Loaded on
	// construction, written on window rollover and on Close.
	StateFile string

	// Log the client IP of rejected connections at info level instead of
	// debug.
	LogIPs bool
}

// RateLimitHandler interposes a per-client-IP connection budget in front of
// another handler. Connections beyond the budget are closed immediately
// without ever reaching the wrapped handler.
type RateLimitHandler struct {
	next ConnHandler
	opt  RateLimitHandlerOptions

	mu        sync.Mutex
	currWinID int64
	counters  map[string]uint
}

var _ ConnHandler = (*RateLimitHandler)(nil)

// persisted counter state
type rateLimitState struct {
	Window   int64           `json:"window"`
	Counters map[string]uint `json:"counters"`
}

// NewRateLimitHandler returns a handler enforcing the given budget in front
// of next.
func NewRateLimitHandler(next ConnHandler, opt RateLimitHandlerOptions) *RateLimitHandler {
	if opt.Window <= 0 {
		opt.Window = time.Minute
	}
	if opt.Window < time.Second {
		opt.Window = time.Second
	}
	h := &RateLimitHandler{
		next:     next,
		opt:      opt,
		counters: make(map[string]uint),
	}
	if opt.StateFile != "" {
		h.loadState()
	}
	return h
}

func (h *RateLimitHandler) HandleConn(conn net.Conn, done <-chan struct{}) {
	key := clientKey(conn)
	windowID := time.Now().Unix() / int64(h.opt.Window/time.Second)

	h.mu.Lock()
	// A new window re-initializes all counters.
	if windowID != h.currWinID {
		h.currWinID = windowID
		h.counters = make(map[string]uint)
		if h.opt.StateFile != "" {
			h.saveStateLocked()
		}
	}
	reject := h.counters[key] >= h.opt.MaxRequests
	h.counters[key]++
	h.mu.Unlock()

	if reject {
		log := Log.WithFields(logrus.Fields{"client": key})
		if h.opt.LogIPs {
			log.Info("rate limit exceeded, closing connection")
		} else {
			log.Debug("rate limit exceeded, closing connection")
		}
		conn.Close()
		return
	}
	h.next.HandleConn(conn, done)
}

// Close persists the counter state if a state file is configured.
func (h *RateLimitHandler) Close() error {
	if h.opt.StateFile == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saveStateLocked()
}

func (h *RateLimitHandler) loadState() {
	b, err := os.ReadFile(h.opt.StateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			Log.WithError(err).Warn("failed to load rate limit state")
		}
		return
	}
	var state rateLimitState
	if err := json.Unmarshal(b, &state); err != nil {
		Log.WithError(err).Warn("failed to decode rate limit state")
		return
	}
	h.currWinID = state.Window
	if state.Counters != nil {
		h.counters = state.Counters
	}
}

func (h *RateLimitHandler) saveStateLocked() error {
	b, err := json.Marshal(rateLimitState{
		Window:   h.currWinID,
		Counters: h.counters,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(h.opt.StateFile, b, 0644); err != nil {
		Log.WithError(err).Warn("failed to save rate limit state")
		return err
	}
	return nil
}

func clientKey(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func (h *RateLimitHandler) String() string {
	return fmt.Sprintf("RateLimit(%s)", h.next)
}
