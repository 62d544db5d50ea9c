package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"radar-node/models"
	"radar-node/utils"
)

// fakeServer accepts one connection, announces a frame budget and returns
// every block it receives until the client hangs up.
func fakeServer(t *testing.T, budget string) (string, <-chan []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	blocks := make(chan []string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			blocks <- nil
			return
		}
		defer conn.Close()
		if budget != "" {
			b := make([]byte, 1024)
			copy(b, budget)
			conn.Write(b)
		}
		var got []string
		buf := make([]byte, 1024)
		for {
			if _, err := io.ReadFull(conn, buf); err != nil {
				break
			}
			got = append(got, string(bytes.TrimRight(buf, "\x00")))
		}
		blocks <- got
	}()
	return ln.Addr().String(), blocks
}

func dial(t *testing.T, addr string) *TCPRelay {
	t.Helper()
	r, err := Dial(context.Background(), utils.RelayConfig{Address: addr, BlockSize: 1024, DialTimeoutMs: 1000}, "Patrick")
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRelayProtocol(t *testing.T) {
	addr, blocks := fakeServer(t, "25")
	r := dial(t, addr)

	n, err := r.ReadFrameBudget(time.Second)
	if err != nil || n != 25 {
		t.Fatalf("ReadFrameBudget = %d, %v", n, err)
	}
	for i := uint64(1); i <= 2; i++ {
		e := &models.Estimate{FrameNumber: i, Angle: 12.5, Range: 4.21875, ElapsedMs: 37.9}
		if err := r.Send(e); err != nil {
			t.Fatal(err)
		}
	}
	if r.Sent() != 2 {
		t.Errorf("Sent = %d", r.Sent())
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	got := <-blocks
	if len(got) != 5 {
		t.Fatalf("server got %d blocks: %q", len(got), got)
	}
	if got[1] != EndMarker || got[3] != EndMarker || got[4] != "Patrick Demo Complete" {
		t.Errorf("framing blocks: %q", got)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(got[2]), &doc); err != nil {
		t.Fatalf("record %q: %v", got[2], err)
	}
	want := map[string]any{
		"Node": "Patrick", "Frame Number": 2.0, "Elapsed Time (ms)": 37.0,
		"Angle": 12.5, "Range": 4.21875,
	}
	for k, v := range want {
		if doc[k] != v {
			t.Errorf("%s = %v, want %v", k, doc[k], v)
		}
	}
}

func TestRelayBadBudget(t *testing.T) {
	addr, _ := fakeServer(t, "lots")
	r := dial(t, addr)
	defer r.Close()
	if _, err := r.ReadFrameBudget(time.Second); err == nil {
		t.Fatal("non-numeric budget accepted")
	}
}

func TestRelayRecordTooLarge(t *testing.T) {
	addr, _ := fakeServer(t, "")
	r := dial(t, addr)
	defer r.Close()
	r.node = strings.Repeat("n", 2000)
	if err := r.Send(&models.Estimate{}); !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("err = %v", err)
	}
}

func TestRelayDialFailure(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()
	if _, err := Dial(context.Background(), utils.RelayConfig{Address: addr, DialTimeoutMs: 200}, "n"); err == nil {
		t.Fatal("dial to a closed port succeeded")
	}
}

func TestMQTTNaming(t *testing.T) {
	if got := EstimateTopic("radar", "mike"); got != "radar/mike/estimate" {
		t.Errorf("topic = %s", got)
	}
	a, b := ClientID("mike"), ClientID("mike")
	if a == b || !strings.HasPrefix(a, "radar-mike-") {
		t.Errorf("client ids %s %s", a, b)
	}
}

type stubToken struct {
	acked bool
	err   error
}

func (t *stubToken) Wait() bool                     { return t.acked }
func (t *stubToken) WaitTimeout(time.Duration) bool { return t.acked }
func (t *stubToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (t *stubToken) Error() error                   { return t.err }

// stubClient hands out queued tokens; every other method is unused.
type stubClient struct {
	mqtt.Client
	tokens []*stubToken
	topics []string
}

func (c *stubClient) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	tok := c.tokens[0]
	c.tokens = c.tokens[1:]
	return tok
}

func TestMQTTPublishCountsUnacknowledgedAsFailed(t *testing.T) {
	client := &stubClient{tokens: []*stubToken{
		{acked: true},
		{acked: true, err: errors.New("not authorized")},
		{acked: false},
	}}
	p := &MQTTPublisher{
		client:     client,
		topic:      EstimateTopic("radar", "mike"),
		ackTimeout: time.Millisecond,
		log:        utils.L().With("mqtt"),
	}
	for n := uint64(1); n <= 3; n++ {
		if err := p.Publish(&models.Estimate{FrameNumber: n}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		published, failed := p.Stats()
		if published+failed == 3 {
			if published != 1 || failed != 2 {
				t.Errorf("published=%d failed=%d, want 1 and 2", published, failed)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d publishes settled", published+failed)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(client.topics) != 3 || client.topics[0] != "radar/mike/estimate" {
		t.Errorf("topics = %v", client.topics)
	}
}
