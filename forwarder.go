package netrepeater

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnHandler serves one accepted inbound connection. Implementations must
// observe done and release the connection promptly once it is closed.
type ConnHandler interface {
	HandleConn(conn net.Conn, done <-chan struct{})
	fmt.Stringer
}

const (
	// DefaultForwardPollInterval is how long a forwarder waits for data on
	// one endpoint before checking the termination signal.
	DefaultForwardPollInterval = 100 * time.Millisecond

	// DefaultForwardReadSize is the per-read buffer size of a forwarder.
	DefaultForwardReadSize = 4096
)

// ForwarderOptions contains options for a stream forwarder.
type ForwarderOptions struct {
	// Time between checks of the termination signal while waiting for
	// data. Defaults to DefaultForwardPollInterval.
	PollInterval time.Duration

	// Read buffer size, defaults to DefaultForwardReadSize.
	ReadSize int
}

// Forwarder shuttles bytes between an accepted inbound connection and a
// freshly dialed upstream connection until either side closes or the
// termination signal fires. Bytes are delivered in order and in full; no
// more than one read chunk is buffered in userspace per direction.
type Forwarder struct {
	dialer Dialer
	opt    ForwarderOptions
}

var _ ConnHandler = (*Forwarder)(nil)

// NewForwarder returns a handler that forwards every accepted connection to
// the upstream reached through the given dialer.
func NewForwarder(dialer Dialer, opt ForwarderOptions) *Forwarder {
	if opt.PollInterval <= 0 {
		opt.PollInterval = DefaultForwardPollInterval
	}
	if opt.ReadSize <= 0 {
		opt.ReadSize = DefaultForwardReadSize
	}
	return &Forwarder{dialer: dialer, opt: opt}
}

// HandleConn dials the upstream and pumps bytes in both directions. Any
// transport error terminates the connection cleanly without propagating.
func (f *Forwarder) HandleConn(conn net.Conn, done <-chan struct{}) {
	log := Log.WithFields(logrus.Fields{
		"client":   conn.RemoteAddr(),
		"upstream": f.dialer.String(),
	})

	upstream, err := f.dialer.Dial()
	if err != nil {
		log.WithError(err).Error("failed to connect upstream")
		conn.Close()
		return
	}

	var closeOnce sync.Once
	closeBoth := func() {
		conn.Close()
		upstream.Close()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.pump(conn, upstream, "client", done, log)
		closeOnce.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		f.pump(upstream, conn, "upstream", done, log)
		closeOnce.Do(closeBoth)
	}()
	wg.Wait()
	log.Debug("connection finished")
}

// pump copies bytes from src to dst one chunk at a time, re-checking the
// termination signal every poll interval.
func (f *Forwarder) pump(src, dst net.Conn, side string, done <-chan struct{}, log *logrus.Entry) {
	buf := make([]byte, f.opt.ReadSize)
	for {
		select {
		case <-done:
			return
		default:
		}

		src.SetReadDeadline(time.Now().Add(f.opt.PollInterval))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				log.WithError(werr).Debug("write failed, closing connection")
				return
			}
		}
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			if err == io.EOF {
				log.WithField("side", side).Debug("connection closed by peer")
			} else {
				log.WithError(err).Debug("read failed, closing connection")
			}
			return
		}
	}
}

func (f *Forwarder) String() string {
	return fmt.Sprintf("Forwarder(%s)", f.dialer)
}
