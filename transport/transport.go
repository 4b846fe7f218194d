// Package transport provides the rendezvous and dialing boundary the
// channel core runs on. The core never interprets rendezvous addresses;
// it hands them to a Dialer and reads ordered byte streams back. Tor is
// the intended carrier (hidden service rendezvous plus SOCKS5 dialing),
// with a plain TCP pair for local operation and tests.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultServicePort is the well-known virtual port a channel service
// listens on. Rendezvous addresses never carry a port; dialers append
// this one.
const DefaultServicePort = 8080

// Rendezvous publishes a local listener under an address peers can reach
// through the anonymizing network.
type Rendezvous interface {
	// CreateListener binds a local listener and returns the public
	// rendezvous address peers dial. A zero port selects the default
	// service port.
	CreateListener(port int) (string, net.Listener, error)

	// Teardown withdraws the published address and releases whatever the
	// rendezvous holds. The listener itself is closed by its owner.
	Teardown() error
}

// Dialer opens a reliable ordered byte stream to a rendezvous address.
type Dialer interface {
	Dial(address string) (net.Conn, error)
}

// withServicePort appends the destination port to a bare rendezvous
// address. Addresses that already carry a port pass through untouched.
func withServicePort(address string, port int) string {
	if strings.Contains(address, ":") {
		return address
	}
	if port == 0 {
		port = DefaultServicePort
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// TCPRendezvous serves peers directly over TCP. There is no anonymity in
// this mode; it exists for LAN use and tests.
type TCPRendezvous struct {
	// Host is the bind address, loopback when empty.
	Host string

	logger   *logrus.Logger
	listener net.Listener
}

// NewTCPRendezvous creates a direct TCP rendezvous.
func NewTCPRendezvous(logger *logrus.Logger) *TCPRendezvous {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TCPRendezvous{logger: logger}
}

// CreateListener binds the TCP listener and returns the bare host as the
// rendezvous address. Peers must know the service port out of band; the
// address itself stays portless so connection strings keep their
// two-field shape.
func (r *TCPRendezvous) CreateListener(port int) (string, net.Listener, error) {
	host := r.Host
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = DefaultServicePort
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return "", nil, fmt.Errorf("failed to bind listener: %w", err)
	}
	r.listener = listener

	r.logger.WithFields(logrus.Fields{
		"function": "CreateListener",
		"address":  listener.Addr().String(),
	}).Info("TCP rendezvous listening")

	return host, listener, nil
}

// Teardown closes the listener if it is still open. The listener's
// owner may have closed it already; that is not an error.
func (r *TCPRendezvous) Teardown() error {
	if r.listener == nil {
		return nil
	}
	err := r.listener.Close()
	r.listener = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// TCPDialer dials rendezvous addresses directly over TCP.
type TCPDialer struct {
	// Port is the destination service port, DefaultServicePort when zero.
	Port int

	// Timeout bounds the dial, 10s when zero.
	Timeout time.Duration

	logger *logrus.Logger
}

// NewTCPDialer creates a direct TCP dialer.
func NewTCPDialer(logger *logrus.Logger) *TCPDialer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TCPDialer{logger: logger}
}

// Dial connects to the rendezvous address on the configured service port.
func (d *TCPDialer) Dial(address string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	target := withServicePort(address, d.Port)
	conn, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	d.logger.WithFields(logrus.Fields{
		"function":    "Dial",
		"remote_addr": conn.RemoteAddr().String(),
	}).Debug("TCP connection established")

	return conn, nil
}
