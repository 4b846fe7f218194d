package anonmsg

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nixxxo/anon-poc/config"
	"github.com/nixxxo/anon-poc/crypto"
)

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to probe for a free port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return port
}

// testConfig runs everything over plain local TCP with near-instant
// obfuscation delays and the dummy schedule pushed out of the way.
func testConfig(port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Silent = true
	cfg.Listen.DirectTCP = true
	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.Port = port
	cfg.Obfuscation.MinDelayMS = 1
	cfg.Obfuscation.MaxDelayMS = 2
	cfg.Dummy.IntervalMS = 3600000
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerConnectionString(t *testing.T) {
	cfg := testConfig(freePort(t))
	server, err := NewServer(&Options{Config: cfg})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer server.Close()

	connectionString := server.ConnectionString()
	if connectionString == "" {
		t.Fatal("Server handed out an empty connection string")
	}

	address, material, err := crypto.DecodeConnectionString(connectionString)
	if err != nil {
		t.Fatalf("Server's own connection string failed to decode: %v", err)
	}
	defer material.Wipe()

	if address != server.Address() {
		t.Errorf("Decoded address %q, want %q", address, server.Address())
	}
	if !material.HasSharedSecret() {
		t.Error("Decoded material carries no shared secret")
	}
}

func TestServerClientSession(t *testing.T) {
	cfg := testConfig(freePort(t))
	server, err := NewServer(&Options{Config: cfg})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer server.Close()

	alice, err := NewClient(server.ConnectionString(), &Options{Config: cfg})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer alice.Close()
	alice.Start()

	waitFor(t, "first peer", func() bool { return server.PeerCount() == 1 })
	if !alice.Connected() {
		t.Error("Client not connected after NewClient")
	}

	bob, err := NewClient(server.ConnectionString(), &Options{Config: cfg})
	if err != nil {
		t.Fatalf("Second NewClient failed: %v", err)
	}
	defer bob.Close()
	waitFor(t, "second peer", func() bool { return server.PeerCount() == 2 })

	// Bob joined with his own ephemeral exchange, so Alice's envelopes
	// are not for him. They must be dropped in silence: no delivery, no
	// dropped connection.
	delivered := make(chan string, 1)
	bob.OnMessage(func(message string) { delivered <- message })
	bob.Start()

	if err := alice.Send(context.Background(), "for the host only"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-delivered:
		t.Errorf("Bob decrypted a foreign envelope: %q", got)
	case <-time.After(300 * time.Millisecond):
	}
	if !bob.Connected() {
		t.Error("Undecryptable traffic cost Bob his connection")
	}

	// Shutting the server down disconnects everyone.
	if err := server.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitFor(t, "alice to disconnect", func() bool { return !alice.Connected() })
	waitFor(t, "bob to disconnect", func() bool { return !bob.Connected() })
}

func TestServerMetricsEndpoint(t *testing.T) {
	cfg := testConfig(freePort(t))
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))

	server, err := NewServer(&Options{Config: cfg})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer server.Close()

	client, err := NewClient(server.ConnectionString(), &Options{Config: cfg})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()
	waitFor(t, "peer", func() bool { return server.PeerCount() == 1 })

	var body string
	waitFor(t, "metrics scrape", func() bool {
		resp, err := http.Get("http://" + cfg.Metrics.Listen + "/")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(data)
		return resp.StatusCode == http.StatusOK
	})

	if !strings.Contains(body, "relay_connected_peers 1") {
		t.Errorf("Scrape missing connected-peers gauge, got:\n%s", body)
	}
}

func TestNewClientRejectsBadConnectionString(t *testing.T) {
	cfg := testConfig(freePort(t))
	if _, err := NewClient("not a connection string", &Options{Config: cfg}); !errors.Is(err, crypto.ErrInvalidConnectionString) {
		t.Errorf("NewClient returned %v, want ErrInvalidConnectionString", err)
	}
}

func TestNewClientUnreachablePeer(t *testing.T) {
	material, err := crypto.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial failed: %v", err)
	}
	defer material.Wipe()

	connectionString, err := crypto.EncodeConnectionString("127.0.0.1", material)
	if err != nil {
		t.Fatalf("EncodeConnectionString failed: %v", err)
	}

	// Nothing listens on this port.
	cfg := testConfig(freePort(t))
	if _, err := NewClient(connectionString, &Options{Config: cfg}); err == nil {
		t.Error("NewClient succeeded with no server listening")
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(freePort(t))
	cfg.LogLevel = "chatty"
	if _, err := NewServer(&Options{Config: cfg}); err == nil {
		t.Error("NewServer accepted an invalid configuration")
	}
}

func TestServerCloseIdempotent(t *testing.T) {
	cfg := testConfig(freePort(t))
	server, err := NewServer(&Options{Config: cfg})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	if err := server.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Errorf("Second Close returned error: %v", err)
	}
}
