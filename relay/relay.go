// Package relay implements the server side of a channel: it accepts
// peer connections and fans every received envelope out to the other
// peers. Envelopes are forwarded verbatim; the relay never decrypts
// traffic on behalf of peers. Its only cryptographic role is producing
// dummy envelopes with its own engine to mask real activity.
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nixxxo/anon-poc/channel"
)

const (
	// DefaultDummyInterval is the base wait between dummy broadcasts.
	DefaultDummyInterval = 20 * time.Second

	// DefaultDummyJitter is the random extra wait added on top of the
	// base interval.
	DefaultDummyJitter = 10 * time.Second

	// readBufferSize holds the largest encoded envelope with room to
	// spare. One read is one envelope.
	readBufferSize = 8192
)

// Options configures a Relay.
type Options struct {
	// Engine produces dummy envelopes. Without one the dummy worker
	// stays off and the relay only forwards.
	Engine *channel.CipherEngine

	// Logger receives relay activity. Defaults to the standard logger.
	Logger *logrus.Logger

	// Metrics counts relay activity when set.
	Metrics *Metrics

	// DummyInterval is the base wait between dummy broadcasts,
	// DefaultDummyInterval when zero or negative.
	DummyInterval time.Duration

	// DummyJitter is the random extra wait, DefaultDummyJitter when
	// zero or negative.
	DummyJitter time.Duration
}

// peer is one accepted connection. Writes are serialized so concurrent
// broadcasts cannot interleave envelope bytes on the wire.
type peer struct {
	conn net.Conn
	mu   sync.Mutex
}

func (p *peer) send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write(data)
	return err
}

// Relay accepts peers and broadcasts their envelopes to everyone else.
type Relay struct {
	engine        *channel.CipherEngine
	logger        *logrus.Logger
	metrics       *Metrics
	dummyInterval time.Duration
	dummyJitter   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	peers    []*peer
	listener net.Listener

	haltCh   chan struct{}
	haltOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Relay from the given options.
func New(opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dummyInterval := opts.DummyInterval
	if dummyInterval <= 0 {
		dummyInterval = DefaultDummyInterval
	}
	dummyJitter := opts.DummyJitter
	if dummyJitter <= 0 {
		dummyJitter = DefaultDummyJitter
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		engine:        opts.Engine,
		logger:        logger,
		metrics:       opts.Metrics,
		dummyInterval: dummyInterval,
		dummyJitter:   dummyJitter,
		ctx:           ctx,
		cancel:        cancel,
		haltCh:        make(chan struct{}),
	}
}

// Serve accepts peers on the listener until Close is called or the
// listener fails. It blocks; run it in its own goroutine.
func (r *Relay) Serve(listener net.Listener) error {
	select {
	case <-r.haltCh:
		return nil
	default:
	}

	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"function": "Serve",
		"address":  listener.Addr().String(),
	}).Info("Relay serving")

	if r.engine != nil {
		r.wg.Add(1)
		go r.dummyWorker()
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-r.haltCh:
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}
		r.addPeer(conn)
	}
}

// PeerCount returns the number of connected peers.
func (r *Relay) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Relay) addPeer(conn net.Conn) {
	p := &peer{conn: conn}

	r.mu.Lock()
	select {
	case <-r.haltCh:
		r.mu.Unlock()
		conn.Close()
		return
	default:
	}
	r.peers = append(r.peers, p)
	count := len(r.peers)
	r.mu.Unlock()

	r.metrics.PeerConnected()
	r.logger.WithFields(logrus.Fields{
		"function":    "addPeer",
		"remote_addr": conn.RemoteAddr().String(),
		"peer_count":  count,
	}).Info("Peer connected")

	r.wg.Add(1)
	go r.servePeer(p)
}

// servePeer reads envelopes from one peer and broadcasts them. One read
// is one envelope; the cipher layer rejects anything that got mangled.
func (r *Relay) servePeer(p *peer) {
	defer r.wg.Done()
	defer r.removePeer(p, "disconnected")

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		envelope := make([]byte, n)
		copy(envelope, buf[:n])

		r.broadcast(envelope, p)
		r.metrics.RecordRelayed()
	}
}

// broadcast sends data to every peer except source. A nil source means
// everyone. Peers whose send fails are dropped without aborting the
// rest.
func (r *Relay) broadcast(data []byte, source *peer) {
	r.mu.Lock()
	targets := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p != source {
			targets = append(targets, p)
		}
	}
	r.mu.Unlock()

	for _, p := range targets {
		if err := p.send(data); err != nil {
			r.metrics.RecordBroadcastFailure()
			r.logger.WithFields(logrus.Fields{
				"function":    "broadcast",
				"remote_addr": p.conn.RemoteAddr().String(),
				"error":       err.Error(),
			}).Warn("Dropping peer after failed send")
			r.removePeer(p, "send failure")
		}
	}
}

// removePeer drops a peer from the list and closes its connection. Safe
// to call twice; only the first call does anything.
func (r *Relay) removePeer(p *peer, reason string) {
	r.mu.Lock()
	found := false
	for i, existing := range r.peers {
		if existing == p {
			r.peers = append(r.peers[:i], r.peers[i+1:]...)
			found = true
			break
		}
	}
	count := len(r.peers)
	r.mu.Unlock()

	if !found {
		return
	}

	p.conn.Close()
	r.metrics.PeerDisconnected()
	r.logger.WithFields(logrus.Fields{
		"function":    "removePeer",
		"remote_addr": p.conn.RemoteAddr().String(),
		"reason":      reason,
		"peer_count":  count,
	}).Info("Peer removed")
}

// Close stops the accept loop, disconnects every peer, and waits for
// all workers to drain.
func (r *Relay) Close() error {
	r.haltOnce.Do(func() {
		close(r.haltCh)
		r.cancel()
	})

	r.mu.Lock()
	listener := r.listener
	r.listener = nil
	peers := append([]*peer(nil), r.peers...)
	r.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	// Closing the conns unblocks the peer readers, which then remove
	// themselves.
	for _, p := range peers {
		p.conn.Close()
	}

	r.wg.Wait()
	return nil
}
