package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// ErrNoProxy is returned when no SOCKS proxy answers on any candidate
// port.
var ErrNoProxy = errors.New("no SOCKS proxy found")

// DefaultSocksPorts are the local ports probed for a running Tor SOCKS
// proxy, in order. 9050 is the Tor default, the rest cover relocated or
// secondary instances.
var DefaultSocksPorts = []int{9050, 9051, 9052, 9053, 9054}

// SocksDialer dials rendezvous addresses through a local SOCKS5 proxy,
// which is how .onion addresses are reached. The proxy port is probed
// once on first use and remembered.
type SocksDialer struct {
	// Host is the proxy host, loopback when empty.
	Host string

	// Ports are the candidate proxy ports, DefaultSocksPorts when nil.
	Ports []int

	// Port is the destination service port, DefaultServicePort when zero.
	Port int

	// Timeout bounds the probe and the dial, 10s when zero.
	Timeout time.Duration

	logger *logrus.Logger

	mu        sync.Mutex
	proxyPort int
}

// NewSocksDialer creates a dialer that probes the default Tor SOCKS
// ports.
func NewSocksDialer(logger *logrus.Logger) *SocksDialer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SocksDialer{logger: logger}
}

func (d *SocksDialer) host() string {
	if d.Host == "" {
		return "127.0.0.1"
	}
	return d.Host
}

func (d *SocksDialer) timeout() time.Duration {
	if d.Timeout == 0 {
		return 10 * time.Second
	}
	return d.Timeout
}

// Probe finds the first candidate port with a listening proxy and
// remembers it for subsequent dials. It returns ErrNoProxy when every
// candidate refuses.
func (d *SocksDialer) Probe() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.proxyPort != 0 {
		return d.proxyPort, nil
	}

	ports := d.Ports
	if ports == nil {
		ports = DefaultSocksPorts
	}

	for _, port := range ports {
		address := net.JoinHostPort(d.host(), strconv.Itoa(port))
		conn, err := net.DialTimeout("tcp", address, d.timeout())
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"function":   "Probe",
				"proxy_addr": address,
			}).Debug("No proxy on candidate port")
			continue
		}
		conn.Close()

		d.logger.WithFields(logrus.Fields{
			"function":   "Probe",
			"proxy_addr": address,
		}).Info("Found SOCKS proxy")

		d.proxyPort = port
		return port, nil
	}

	return 0, ErrNoProxy
}

// Dial connects to the rendezvous address through the discovered SOCKS5
// proxy. Hostname resolution happens inside the proxy, so .onion names
// never touch the local resolver.
func (d *SocksDialer) Dial(address string) (net.Conn, error) {
	port, err := d.Probe()
	if err != nil {
		return nil, err
	}

	proxyAddr := net.JoinHostPort(d.host(), strconv.Itoa(port))
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	target := withServicePort(address, d.Port)

	d.logger.WithFields(logrus.Fields{
		"function":   "Dial",
		"dest_addr":  target,
		"proxy_addr": proxyAddr,
	}).Debug("Dialing via SOCKS proxy")

	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, fmt.Errorf("proxy dial failed: %w", err)
	}

	return conn, nil
}
