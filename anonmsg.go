// Package anonmsg implements an anonymous peer-to-peer messenger. One
// side serves a relay, by default behind an ephemeral Tor hidden
// service, and hands out a single-line connection string. Anyone
// holding that string connects through the Tor SOCKS proxy and talks
// over end-to-end encrypted envelopes that are padded to fixed bucket
// sizes, delayed by random intervals, and interleaved with dummy
// traffic so the carried conversation stays hidden even from a
// meticulous observer of the wire.
//
// Example:
//
//	server, err := anonmsg.NewServer(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Close()
//
//	// Hand this to the peer out of band.
//	fmt.Println(server.ConnectionString())
//
//	client, err := anonmsg.NewClient(connectionString, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnMessage(func(message string) {
//	    fmt.Println("peer:", message)
//	})
//	client.Start()
//
//	if err := client.Send(context.Background(), "hello"); err != nil {
//	    log.Fatal(err)
//	}
package anonmsg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nixxxo/anon-poc/channel"
	"github.com/nixxxo/anon-poc/client"
	"github.com/nixxxo/anon-poc/config"
	"github.com/nixxxo/anon-poc/crypto"
	"github.com/nixxxo/anon-poc/relay"
	"github.com/nixxxo/anon-poc/transport"
)

// Options configures a Server or Client. Zero fields fall back to the
// configuration defaults.
type Options struct {
	// Config is the full application configuration, DefaultConfig when
	// nil.
	Config *config.Config

	// Logger overrides the logger built from Config (level, silence).
	Logger *logrus.Logger

	// Rendezvous overrides the listener transport chosen from Config.
	Rendezvous transport.Rendezvous

	// Dialer overrides the dialing transport chosen from Config.
	Dialer transport.Dialer

	// Metrics overrides the relay metrics instance. When nil one is
	// created only if Config enables metrics.
	Metrics *relay.Metrics
}

// NewOptions creates Options carrying the default configuration.
func NewOptions() *Options {
	return &Options{Config: config.DefaultConfig()}
}

// newLogger builds a logger from the configuration. Silent mode
// discards everything.
func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.Silent {
		logger.SetOutput(io.Discard)
		return logger
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

// resolveOptions fills in the pieces every constructor needs.
func resolveOptions(options *Options) (*Options, *config.Config, *logrus.Logger, error) {
	if options == nil {
		options = NewOptions()
	}
	cfg := options.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := options.Logger
	if logger == nil {
		logger = newLogger(cfg)
	}
	return options, cfg, logger, nil
}

// newObfuscator builds the delay gate from the configured window.
func newObfuscator(cfg *config.Config, logger *logrus.Logger) *channel.TrafficObfuscator {
	return channel.NewTrafficObfuscator(cfg.Obfuscation.MinDelay(), cfg.Obfuscation.MaxDelay(), logger)
}

// Server hosts a channel: it owns the key material, publishes the
// rendezvous address, and relays envelopes between connected peers.
type Server struct {
	logger           *logrus.Logger
	engine           *channel.CipherEngine
	relay            *relay.Relay
	rendezvous       transport.Rendezvous
	address          string
	connectionString string
	metricsServer    *http.Server

	closeOnce sync.Once
	closeErr  error
}

// NewServer generates fresh key material, opens the rendezvous
// listener, and starts relaying. The server is live when this returns.
func NewServer(options *Options) (*Server, error) {
	options, cfg, logger, err := resolveOptions(options)
	if err != nil {
		return nil, err
	}

	material, err := crypto.GenerateKeyMaterial()
	if err != nil {
		return nil, err
	}

	rendezvous := options.Rendezvous
	if rendezvous == nil {
		if cfg.Listen.DirectTCP {
			tcp := transport.NewTCPRendezvous(logger)
			tcp.Host = cfg.Listen.Host
			rendezvous = tcp
		} else {
			tor := transport.NewTorRendezvous(logger)
			tor.ControlAddress = cfg.Tor.ControlAddress
			tor.Password = cfg.Tor.ControlPassword
			tor.AutoLaunch = cfg.Tor.AutoLaunch
			rendezvous = tor
		}
	}

	address, listener, err := rendezvous.CreateListener(cfg.Listen.Port)
	if err != nil {
		material.Wipe()
		return nil, fmt.Errorf("failed to open rendezvous: %w", err)
	}

	connectionString, err := crypto.EncodeConnectionString(address, material)
	if err != nil {
		listener.Close()
		rendezvous.Teardown()
		material.Wipe()
		return nil, err
	}

	engine := channel.NewCipherEngine(material, newObfuscator(cfg, logger), logger)

	metrics := options.Metrics
	if metrics == nil && cfg.Metrics.Enabled {
		metrics = relay.NewMetrics()
	}

	r := relay.New(relay.Options{
		Engine:        engine,
		Logger:        logger,
		Metrics:       metrics,
		DummyInterval: cfg.Dummy.Interval(),
		DummyJitter:   cfg.Dummy.Jitter(),
	})

	server := &Server{
		logger:           logger,
		engine:           engine,
		relay:            r,
		rendezvous:       rendezvous,
		address:          address,
		connectionString: connectionString,
	}

	go func() {
		if err := r.Serve(listener); err != nil {
			logger.WithFields(logrus.Fields{
				"function": "NewServer",
				"error":    err.Error(),
			}).Error("Relay stopped")
		}
	}()

	if cfg.Metrics.Enabled && metrics != nil {
		server.metricsServer = &http.Server{
			Addr:    cfg.Metrics.Listen,
			Handler: metrics.Handler(),
		}
		go func() {
			if err := server.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithFields(logrus.Fields{
					"function": "NewServer",
					"error":    err.Error(),
				}).Warn("Metrics endpoint stopped")
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"function": "NewServer",
		"address":  address,
	}).Info("Server ready")

	return server, nil
}

// ConnectionString returns the single line a peer needs to join:
// rendezvous address and key token.
func (s *Server) ConnectionString() string {
	return s.connectionString
}

// Address returns the rendezvous address peers dial.
func (s *Server) Address() string {
	return s.address
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	return s.relay.PeerCount()
}

// Close stops relaying, withdraws the rendezvous, and wipes the key
// material. Safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		if s.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.metricsServer.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}

		if err := s.relay.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.rendezvous.Teardown(); err != nil {
			errs = append(errs, err)
		}

		s.engine.Cleanse()
		s.closeErr = errors.Join(errs...)

		s.logger.WithFields(logrus.Fields{
			"function": "Close",
		}).Info("Server closed")
	})
	return s.closeErr
}

// Client is one end of a conversation: a connection to a peer's relay
// plus the keys decoded from their connection string.
type Client struct {
	logger  *logrus.Logger
	engine  *channel.CipherEngine
	channel *client.ChannelClient
	address string
}

// NewClient decodes the connection string, dials the rendezvous
// address, and wires up the encrypted channel. Register a callback with
// OnMessage and call Start to begin receiving.
func NewClient(connectionString string, options *Options) (*Client, error) {
	options, cfg, logger, err := resolveOptions(options)
	if err != nil {
		return nil, err
	}

	address, material, err := crypto.DecodeConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	dialer := options.Dialer
	if dialer == nil {
		if cfg.Listen.DirectTCP {
			tcp := transport.NewTCPDialer(logger)
			tcp.Port = cfg.Listen.Port
			dialer = tcp
		} else {
			socks := transport.NewSocksDialer(logger)
			socks.Host = cfg.Tor.SocksHost
			socks.Ports = cfg.Tor.SocksPorts
			socks.Port = cfg.Listen.Port
			dialer = socks
		}
	}

	conn, err := dialer.Dial(address)
	if err != nil {
		material.Wipe()
		return nil, fmt.Errorf("failed to reach peer: %w", err)
	}

	engine := channel.NewCipherEngine(material, newObfuscator(cfg, logger), logger)
	channelClient := client.New(conn, engine, logger)

	logger.WithFields(logrus.Fields{
		"function": "NewClient",
	}).Info("Connected to peer")

	return &Client{
		logger:  logger,
		engine:  engine,
		channel: channelClient,
		address: address,
	}, nil
}

// OnMessage sets the callback for received chat messages.
func (c *Client) OnMessage(callback client.MessageCallback) {
	c.channel.OnMessage(callback)
}

// Start launches the receive loop.
func (c *Client) Start() {
	c.channel.Start()
}

// Send encrypts and transmits one message.
func (c *Client) Send(ctx context.Context, message string) error {
	return c.channel.Send(ctx, message)
}

// Connected reports whether the relay connection is still usable.
func (c *Client) Connected() bool {
	return c.channel.Connected()
}

// Address returns the rendezvous address this client dialed.
func (c *Client) Address() string {
	return c.address
}

// Close drops the connection and wipes the key material.
func (c *Client) Close() error {
	err := c.channel.Close()
	c.engine.Cleanse()
	return err
}
