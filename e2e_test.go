package anonmsg

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nixxxo/anon-poc/channel"
	"github.com/nixxxo/anon-poc/client"
	"github.com/nixxxo/anon-poc/crypto"
	"github.com/nixxxo/anon-poc/relay"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fastEngine(t *testing.T, material *crypto.KeyMaterial) *channel.CipherEngine {
	t.Helper()
	obfuscator := channel.NewTrafficObfuscator(time.Millisecond, 2*time.Millisecond, testLogger())
	return channel.NewCipherEngine(material, obfuscator, testLogger())
}

// startFanoutRelay serves a forwarding-only relay on an ephemeral
// loopback listener.
func startFanoutRelay(t *testing.T) (*relay.Relay, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind relay listener: %v", err)
	}

	r := relay.New(relay.Options{Logger: testLogger()})
	go r.Serve(listener)
	t.Cleanup(func() { r.Close() })

	return r, listener.Addr().String()
}

// joinChannel decodes the connection string once and returns the
// resulting key material. All clients of one conversation share it.
func joinChannel(t *testing.T, connectionString string) *crypto.KeyMaterial {
	t.Helper()
	_, material, err := crypto.DecodeConnectionString(connectionString)
	if err != nil {
		t.Fatalf("DecodeConnectionString failed: %v", err)
	}
	t.Cleanup(material.Wipe)
	return material
}

func connectClient(t *testing.T, address string, material *crypto.KeyMaterial) *client.ChannelClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}

	c := client.New(conn, fastEngine(t, material), testLogger())
	t.Cleanup(func() { c.Close() })
	return c
}

func waitForPeers(t *testing.T, r *relay.Relay, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.PeerCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Relay peer count stuck at %d, want %d", r.PeerCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// messageSink collects delivered messages in arrival order.
type messageSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *messageSink) callback(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
}

func (s *messageSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func (s *messageSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func TestTwoClientsExchangeHello(t *testing.T) {
	host, err := crypto.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial failed: %v", err)
	}
	t.Cleanup(host.Wipe)

	connectionString, err := crypto.EncodeConnectionString("127.0.0.1", host)
	if err != nil {
		t.Fatalf("EncodeConnectionString failed: %v", err)
	}

	r, address := startFanoutRelay(t)
	material := joinChannel(t, connectionString)

	alice := connectClient(t, address, material)
	bob := connectClient(t, address, material)
	waitForPeers(t, r, 2)

	received := make(chan string, 1)
	bob.OnMessage(func(message string) { received <- message })
	bob.Start()

	if err := alice.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("Bob received %q, want %q", got, "hello")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Bob never received the message")
	}
}

func TestRelayFanOutOrdering(t *testing.T) {
	const messageCount = 300

	host, err := crypto.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial failed: %v", err)
	}
	t.Cleanup(host.Wipe)

	connectionString, err := crypto.EncodeConnectionString("127.0.0.1", host)
	if err != nil {
		t.Fatalf("EncodeConnectionString failed: %v", err)
	}

	r, address := startFanoutRelay(t)
	material := joinChannel(t, connectionString)

	alice := connectClient(t, address, material)
	bob := connectClient(t, address, material)
	carol := connectClient(t, address, material)
	waitForPeers(t, r, 3)

	var bobSink, carolSink messageSink
	bob.OnMessage(bobSink.callback)
	carol.OnMessage(carolSink.callback)
	bob.Start()
	carol.Start()

	want := make([]string, messageCount)
	for i := range want {
		want[i] = fmt.Sprintf("message-%04d", i)
	}

	for _, message := range want {
		if err := alice.Send(context.Background(), message); err != nil {
			t.Fatalf("Send %q failed: %v", message, err)
		}
	}

	deadline := time.Now().Add(30 * time.Second)
	for bobSink.len() < messageCount || carolSink.len() < messageCount {
		if time.Now().After(deadline) {
			t.Fatalf("Delivery stalled: bob %d, carol %d of %d",
				bobSink.len(), carolSink.len(), messageCount)
		}
		time.Sleep(10 * time.Millisecond)
	}

	for name, sink := range map[string]*messageSink{"bob": &bobSink, "carol": &carolSink} {
		got := sink.snapshot()
		if len(got) != messageCount {
			t.Fatalf("%s received %d messages, want %d", name, len(got), messageCount)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s message %d was %q, want %q", name, i, got[i], want[i])
			}
		}
	}
}

func TestRelayedDummyIsFiltered(t *testing.T) {
	host, err := crypto.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial failed: %v", err)
	}
	t.Cleanup(host.Wipe)

	connectionString, err := crypto.EncodeConnectionString("127.0.0.1", host)
	if err != nil {
		t.Fatalf("EncodeConnectionString failed: %v", err)
	}

	// The relay generates dummies with the host material on a tight
	// schedule.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind relay listener: %v", err)
	}
	r := relay.New(relay.Options{
		Engine:        fastEngine(t, host),
		Logger:        testLogger(),
		DummyInterval: 20 * time.Millisecond,
		DummyJitter:   5 * time.Millisecond,
	})
	go r.Serve(listener)
	t.Cleanup(func() { r.Close() })

	material := joinChannel(t, connectionString)
	bob := connectClient(t, listener.Addr().String(), material)
	waitForPeers(t, r, 1)

	var sink messageSink
	bob.OnMessage(sink.callback)
	bob.Start()

	// Several dummy intervals pass; none of them may surface as chat.
	time.Sleep(300 * time.Millisecond)

	if got := sink.snapshot(); len(got) != 0 {
		t.Errorf("Dummy traffic surfaced as messages: %q", got)
	}
	if !bob.Connected() {
		t.Error("Client dropped the connection over dummy traffic")
	}
}
