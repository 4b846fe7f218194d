package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultControlAddress is where a system Tor daemon exposes its control
// port.
const DefaultControlAddress = "127.0.0.1:9051"

// torBootstrapTimeout bounds how long a launched tor may take to reach
// "Bootstrapped 100%".
const torBootstrapTimeout = 3 * time.Minute

// TorController speaks the Tor control protocol over a local socket. It
// implements just what the rendezvous needs: AUTHENTICATE, ADD_ONION,
// DEL_ONION and QUIT.
type TorController struct {
	conn   net.Conn
	text   *textproto.Conn
	logger *logrus.Logger
}

// DialControl connects to a Tor control port.
func DialControl(address string, logger *logrus.Logger) (*TorController, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	conn, err := net.DialTimeout("tcp", address, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to reach control port %s: %w", address, err)
	}

	logger.WithFields(logrus.Fields{
		"function":     "DialControl",
		"control_addr": address,
	}).Debug("Connected to Tor control port")

	return &TorController{
		conn:   conn,
		text:   textproto.NewConn(conn),
		logger: logger,
	}, nil
}

// command sends one control command and collects the reply lines. Any
// status other than 250 is an error.
func (c *TorController) command(format string, args ...interface{}) ([]string, error) {
	if err := c.text.PrintfLine(format, args...); err != nil {
		return nil, fmt.Errorf("failed to send control command: %w", err)
	}

	var lines []string
	for {
		line, err := c.text.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("failed to read control reply: %w", err)
		}
		if len(line) < 4 {
			return nil, fmt.Errorf("malformed control reply %q", line)
		}

		code, sep, rest := line[:3], line[3], line[4:]
		if code != "250" {
			return nil, fmt.Errorf("control command rejected: %s", line)
		}

		lines = append(lines, rest)
		if sep == ' ' {
			return lines, nil
		}
	}
}

// Authenticate unlocks the control connection. An empty password sends
// the bare AUTHENTICATE that open control ports accept.
func (c *TorController) Authenticate(password string) error {
	var err error
	if password == "" {
		_, err = c.command("AUTHENTICATE")
	} else {
		_, err = c.command("AUTHENTICATE %q", password)
	}
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return nil
}

// AddOnion creates an ephemeral hidden service mapping virtualPort to the
// local target address and returns the .onion address. The service key
// stays inside Tor and dies with the control connection.
func (c *TorController) AddOnion(virtualPort int, target string) (string, error) {
	lines, err := c.command("ADD_ONION NEW:BEST Flags=DiscardPK Port=%d,%s", virtualPort, target)
	if err != nil {
		return "", fmt.Errorf("failed to create hidden service: %w", err)
	}

	for _, line := range lines {
		if serviceID, ok := strings.CutPrefix(line, "ServiceID="); ok {
			onion := serviceID + ".onion"
			c.logger.WithFields(logrus.Fields{
				"function": "AddOnion",
				"onion":    onion,
			}).Info("Hidden service created")
			return onion, nil
		}
	}

	return "", errors.New("control reply carried no ServiceID")
}

// DelOnion withdraws a hidden service created by AddOnion.
func (c *TorController) DelOnion(onionAddress string) error {
	serviceID := strings.TrimSuffix(onionAddress, ".onion")
	if _, err := c.command("DEL_ONION %s", serviceID); err != nil {
		return fmt.Errorf("failed to remove hidden service: %w", err)
	}
	return nil
}

// Close sends QUIT and closes the control connection.
func (c *TorController) Close() error {
	// Best effort; the daemon drops the connection after QUIT either way.
	_, _ = c.command("QUIT")
	return c.conn.Close()
}

// TorRendezvous publishes listeners as ephemeral Tor hidden services.
// It talks to an already-running Tor daemon through its control port; if
// none answers and AutoLaunch is set, it starts a private tor process
// and uses that instead.
type TorRendezvous struct {
	// ControlAddress is the control port to use, DefaultControlAddress
	// when empty.
	ControlAddress string

	// Password authenticates the control connection when the daemon
	// requires one.
	Password string

	// AutoLaunch starts a private tor process when no daemon answers on
	// ControlAddress.
	AutoLaunch bool

	logger *logrus.Logger

	mu         sync.Mutex
	controller *TorController
	launched   *TorProcess
	onion      string
}

// NewTorRendezvous creates a rendezvous against the system Tor daemon.
func NewTorRendezvous(logger *logrus.Logger) *TorRendezvous {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TorRendezvous{logger: logger}
}

// SocksPort returns the SOCKS port of the launched tor process, or zero
// when the system daemon is in use.
func (r *TorRendezvous) SocksPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.launched == nil {
		return 0
	}
	return r.launched.SocksPort
}

// CreateListener binds a loopback listener, publishes it as a hidden
// service on the given virtual port, and returns the .onion address.
func (r *TorRendezvous) CreateListener(port int) (string, net.Listener, error) {
	if port == 0 {
		port = DefaultServicePort
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("failed to bind local listener: %w", err)
	}

	controller, err := r.connect()
	if err != nil {
		listener.Close()
		return "", nil, err
	}

	onion, err := controller.AddOnion(port, listener.Addr().String())
	if err != nil {
		listener.Close()
		return "", nil, err
	}

	r.mu.Lock()
	r.onion = onion
	r.mu.Unlock()

	return onion, listener, nil
}

// connect reaches a control port, launching a private tor if allowed.
func (r *TorRendezvous) connect() (*TorController, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.controller != nil {
		return r.controller, nil
	}

	controlAddress := r.ControlAddress
	if controlAddress == "" {
		controlAddress = DefaultControlAddress
	}

	controller, err := DialControl(controlAddress, r.logger)
	if err == nil {
		if authErr := controller.Authenticate(r.Password); authErr != nil {
			controller.Close()
			return nil, authErr
		}
		r.controller = controller
		return controller, nil
	}

	if !r.AutoLaunch {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"function": "connect",
		"error":    err.Error(),
	}).Info("No running Tor daemon, launching a private one")

	launched, launchErr := LaunchTor(context.Background(), r.logger)
	if launchErr != nil {
		return nil, launchErr
	}

	controller, err = DialControl(launched.ControlAddress(), r.logger)
	if err != nil {
		launched.Stop()
		return nil, err
	}
	if authErr := controller.Authenticate(""); authErr != nil {
		controller.Close()
		launched.Stop()
		return nil, authErr
	}

	r.launched = launched
	r.controller = controller
	return controller, nil
}

// Teardown withdraws the hidden service, closes the control connection,
// and stops the launched tor process if there is one.
func (r *TorRendezvous) Teardown() error {
	r.mu.Lock()
	controller := r.controller
	launched := r.launched
	onion := r.onion
	r.controller = nil
	r.launched = nil
	r.onion = ""
	r.mu.Unlock()

	var errs []error
	if controller != nil {
		if onion != "" {
			if err := controller.DelOnion(onion); err != nil {
				errs = append(errs, err)
			}
		}
		if err := controller.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if launched != nil {
		if err := launched.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// TorProcess is a private tor daemon launched by this process.
type TorProcess struct {
	SocksPort   int
	ControlPort int

	cmd     *exec.Cmd
	dataDir string
	logger  *logrus.Logger
}

// ControlAddress returns the loopback control address of the launched
// daemon.
func (p *TorProcess) ControlAddress() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(p.ControlPort))
}

// LaunchTor starts a tor daemon with a temporary data directory on freshly
// probed ports and waits until it reports a fully bootstrapped circuit.
func LaunchTor(ctx context.Context, logger *logrus.Logger) (*TorProcess, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	socksPort, err := findFreePort(9050)
	if err != nil {
		return nil, err
	}
	controlPort, err := findFreePort(socksPort + 1)
	if err != nil {
		return nil, err
	}

	dataDir, err := os.MkdirTemp("", "anonmsg-tor-")
	if err != nil {
		return nil, fmt.Errorf("failed to create tor data directory: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"function":     "LaunchTor",
		"socks_port":   socksPort,
		"control_port": controlPort,
	}).Info("Starting tor")

	cmd := exec.CommandContext(ctx, "tor",
		"--SocksPort", strconv.Itoa(socksPort),
		"--ControlPort", strconv.Itoa(controlPort),
		"--DataDirectory", dataDir,
		"--Log", "notice stdout",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("failed to open tor stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("failed to start tor: %w", err)
	}

	process := &TorProcess{
		SocksPort:   socksPort,
		ControlPort: controlPort,
		cmd:         cmd,
		dataDir:     dataDir,
		logger:      logger,
	}

	bootstrapped := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			logger.WithFields(logrus.Fields{
				"function": "LaunchTor",
				"tor":      line,
			}).Debug("tor output")

			if strings.Contains(line, "Bootstrapped 100%") {
				bootstrapped <- nil
				// Keep draining so tor never blocks on a full pipe.
				for scanner.Scan() {
				}
				return
			}
		}
		bootstrapped <- errors.New("tor exited before finishing bootstrap")
	}()

	select {
	case err := <-bootstrapped:
		if err != nil {
			process.Stop()
			return nil, err
		}
	case <-ctx.Done():
		process.Stop()
		return nil, ctx.Err()
	case <-time.After(torBootstrapTimeout):
		process.Stop()
		return nil, errors.New("timed out waiting for tor bootstrap")
	}

	logger.WithFields(logrus.Fields{
		"function":   "LaunchTor",
		"socks_port": socksPort,
	}).Info("Tor bootstrapped")

	return process, nil
}

// Stop kills the tor process and removes its data directory.
func (p *TorProcess) Stop() error {
	var errs []error
	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
		_ = p.cmd.Wait()
	}
	if p.dataDir != "" {
		if err := os.RemoveAll(p.dataDir); err != nil {
			errs = append(errs, err)
		}
		p.dataDir = ""
	}
	return errors.Join(errs...)
}

// findFreePort returns the first bindable loopback port at or above
// start, scanning a window of 100 ports.
func findFreePort(start int) (int, error) {
	for port := start; port < start+100; port++ {
		listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		listener.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in [%d, %d)", start, start+100)
}
