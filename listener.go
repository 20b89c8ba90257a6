package netrepeater

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Listener is an interface for an inbound listener. Start binds the local
// address and returns once the accept loop is running.
type Listener interface {
	Start() error
	Stop() error
	fmt.Stringer
}

// DefaultAcceptPollInterval is how long the accept loop waits for a new
// connection before checking the termination signal.
const DefaultAcceptPollInterval = 500 * time.Millisecond

// RepeatListenerOptions contains options for an inbound repeat listener.
type RepeatListenerOptions struct {
	// Time between checks of the termination signal in the accept loop.
	// Defaults to DefaultAcceptPollInterval.
	PollInterval time.Duration

	// When set, accepted connections are wrapped in a server-side TLS
	// session before being handed to the handler.
	TLSConfig *tls.Config
}

// RepeatListener accepts TCP connections on one (address, port) pair and
// hands each accepted connection to its handler in a new goroutine. All
// connections observe the listener's termination signal.
type RepeatListener struct {
	addr    netip.AddrPort
	handler ConnHandler
	opt     RepeatListenerOptions

	mu       sync.Mutex
	ln       *net.TCPListener
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Listener = (*RepeatListener)(nil)

// NewRepeatListener returns a listener bound to addr once started. A port
// of 0 requests an ephemeral port from the OS, observable via Port after
// Start.
func NewRepeatListener(addr netip.AddrPort, handler ConnHandler, opt RepeatListenerOptions) *RepeatListener {
	if opt.PollInterval <= 0 {
		opt.PollInterval = DefaultAcceptPollInterval
	}
	return &RepeatListener{
		addr:    addr,
		handler: handler,
		opt:     opt,
		done:    make(chan struct{}),
	}
}

// Start binds the local address and launches the accept loop.
func (l *RepeatListener) Start() error {
	ln, err := net.Listen("tcp", l.addr.String())
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrBindFailed, l.addr, err)
	}

	l.mu.Lock()
	l.ln = ln.(*net.TCPListener)
	l.mu.Unlock()

	Log.WithFields(logrus.Fields{
		"addr":     ln.Addr(),
		"protocol": l.protocol(),
		"upstream": l.handler.String(),
	}).Info("starting listener")

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

func (l *RepeatListener) acceptLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		default:
		}

		l.ln.SetDeadline(time.Now().Add(l.opt.PollInterval))
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			select {
			case <-l.done:
			default:
				Log.WithError(err).Error("accept failed")
			}
			return
		}
		conn.SetNoDelay(true)

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(conn)
		}()
	}
}

func (l *RepeatListener) serveConn(conn net.Conn) {
	if l.opt.TLSConfig != nil {
		tconn := tls.Server(conn, l.opt.TLSConfig)
		tconn.SetDeadline(time.Now().Add(dialTimeout))
		if err := tconn.Handshake(); err != nil {
			Log.WithFields(logrus.Fields{
				"client": conn.RemoteAddr(),
			}).WithError(err).Error("tls handshake failed")
			conn.Close()
			return
		}
		tconn.SetDeadline(time.Time{})
		conn = tconn
	}
	l.handler.HandleConn(conn, l.done)
}

// Port returns the port the listener is bound to, which differs from the
// configured one when an ephemeral port was requested.
func (l *RepeatListener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return int(l.addr.Port())
	}
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Addr returns the listener's local IP address.
func (l *RepeatListener) Addr() netip.Addr {
	return l.addr.Addr()
}

// Stop signals termination, closes the listening socket and waits for the
// accept loop and all outstanding forwarders to exit. Idempotent.
func (l *RepeatListener) Stop() error {
	l.stopOnce.Do(func() {
		Log.WithFields(logrus.Fields{
			"addr":     l.addr,
			"protocol": l.protocol(),
		}).Info("stopping listener")
		close(l.done)
		l.mu.Lock()
		if l.ln != nil {
			l.ln.Close()
		}
		l.mu.Unlock()
	})
	l.wg.Wait()
	return nil
}

func (l *RepeatListener) protocol() string {
	if l.opt.TLSConfig != nil {
		return "tls"
	}
	return "tcp"
}

func (l *RepeatListener) String() string {
	return fmt.Sprintf("RepeatListener(%s)", l.addr)
}
