package netrepeater

import (
	"os"
	"os/signal"
	"sync"
)

// ServerCluster owns a set of listeners and starts/stops them as a group.
type ServerCluster struct {
	mu        sync.Mutex
	listeners []Listener
	started   bool
	done      chan struct{}
	stopOnce  sync.Once
}

func NewServerCluster() *ServerCluster {
	return &ServerCluster{done: make(chan struct{})}
}

// Add registers a listener with the cluster. Must be called before Start.
func (c *ServerCluster) Add(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start starts every listener. On failure the already started listeners are
// stopped again and the error returned.
func (c *ServerCluster) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	Log.Info("starting server cluster")
	for i, l := range c.listeners {
		if err := l.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				c.listeners[j].Stop()
			}
			return err
		}
	}
	c.started = true
	return nil
}

// Stop stops every listener and releases ServeUntilSignal. Idempotent.
func (c *ServerCluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	Log.Info("stopping server cluster")
	for _, l := range c.listeners {
		if err := l.Stop(); err != nil {
			Log.WithError(err).Error("failed to stop listener")
		}
	}
	c.started = false
	c.stopOnce.Do(func() { close(c.done) })
}

// ServeUntilSignal starts the cluster and blocks until one of the given
// signals arrives or Stop is called, then shuts everything down.
func (c *ServerCluster) ServeUntilSignal(sig ...os.Signal) error {
	if err := c.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sig...)
	defer signal.Stop(sigCh)

	select {
	case s := <-sigCh:
		Log.WithField("signal", s).Info("received signal")
	case <-c.done:
	}
	c.Stop()
	return nil
}
