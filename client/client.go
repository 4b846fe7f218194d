// Package client implements the peer side of a channel: one connection
// to a relay, encryption on the way out, decryption plus dummy
// filtering on the way in. Received plaintext is handed to a registered
// callback; everything that fails to decrypt is dropped quietly.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nixxxo/anon-poc/channel"
)

var (
	// ErrNotConnected is returned by Send after the connection is gone.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionLost is returned when a send fails mid-flight. The
	// client does not retry; reconnecting is the caller's call.
	ErrConnectionLost = errors.New("connection lost")
)

// readBufferSize holds the largest encoded envelope in a single read.
const readBufferSize = 8192

// MessageCallback receives decrypted chat messages.
type MessageCallback func(message string)

// ChannelClient pumps messages over one relay connection.
type ChannelClient struct {
	engine *channel.CipherEngine
	logger *logrus.Logger
	conn   net.Conn

	mu              sync.Mutex
	connected       bool
	started         bool
	messageCallback MessageCallback

	haltCh   chan struct{}
	haltOnce sync.Once
	wg       sync.WaitGroup
}

// New wraps an established connection. Register a callback with
// OnMessage and call Start to begin receiving.
func New(conn net.Conn, engine *channel.CipherEngine, logger *logrus.Logger) *ChannelClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChannelClient{
		engine:    engine,
		logger:    logger,
		conn:      conn,
		connected: true,
		haltCh:    make(chan struct{}),
	}
}

// OnMessage sets the callback for received chat messages. Messages that
// arrive while no callback is registered are dropped.
func (c *ChannelClient) OnMessage(callback MessageCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCallback = callback
}

// Start launches the receive loop. Calling it twice is a no-op.
func (c *ChannelClient) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.wg.Add(1)
	go c.readLoop()
}

// Connected reports whether the connection is still usable.
func (c *ChannelClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send encrypts the message and writes it to the relay. The write
// happens after the obfuscation delay, which the context can cut short.
func (c *ChannelClient) Send(ctx context.Context, message string) error {
	if !c.Connected() {
		return ErrNotConnected
	}

	envelope, err := c.engine.Encrypt(ctx, []byte(message))
	if err != nil {
		return err
	}

	if _, err := c.conn.Write([]byte(envelope)); err != nil {
		c.logger.WithFields(logrus.Fields{
			"function": "Send",
			"error":    err.Error(),
		}).Debug("Write failed")
		c.markDisconnected()
		return fmt.Errorf("write failed: %w", ErrConnectionLost)
	}

	return nil
}

// readLoop receives envelopes until the connection dies. One read is
// one envelope; anything that fails to decrypt is dropped.
func (c *ChannelClient) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.haltCh:
			default:
				c.logger.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err.Error(),
				}).Debug("Connection closed")
			}
			c.markDisconnected()
			return
		}
		if n == 0 {
			continue
		}

		plaintext, err := c.engine.Decrypt(string(buf[:n]))
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"function":     "readLoop",
				"envelope_len": n,
			}).Debug("Dropping undecryptable envelope")
			continue
		}

		if channel.IsDummy(plaintext) {
			c.logger.WithFields(logrus.Fields{
				"function": "readLoop",
			}).Debug("Dropping dummy envelope")
			continue
		}

		c.deliver(string(plaintext))
	}
}

// deliver hands a message to the callback. The callback runs without
// the client lock so it may call Send.
func (c *ChannelClient) deliver(message string) {
	c.mu.Lock()
	callback := c.messageCallback
	c.mu.Unlock()

	if callback == nil {
		c.logger.WithFields(logrus.Fields{
			"function": "deliver",
		}).Debug("No message callback registered, dropping message")
		return
	}
	callback(message)
}

func (c *ChannelClient) markDisconnected() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected {
		c.logger.WithFields(logrus.Fields{
			"function": "markDisconnected",
		}).Info("Disconnected from relay")
	}
}

// Close tears the connection down and waits for the receive loop to
// drain. Safe to call more than once.
func (c *ChannelClient) Close() error {
	c.haltOnce.Do(func() { close(c.haltCh) })
	c.markDisconnected()
	err := c.conn.Close()
	c.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
