package nats

import (
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = server.RANDOM_PORT
	s := natstest.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

type received struct {
	topic   string
	payload string
}

type collector struct {
	mu   sync.Mutex
	msgs []received
}

func (c *collector) handle(topic string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, received{topic: topic, payload: string(payload)})
}

func (c *collector) wait(t *testing.T, n int) []received {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]received(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestNew_URLs(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "empty URL should fail", url: ""},
		{name: "unreachable server should fail", url: "nats://127.0.0.1:1"},
		{name: "malformed URL should fail", url: "not a url://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.url, "test")
			if err == nil {
				t.Error("Expected error, got none")
				client.Close()
			}
			if client != nil {
				t.Error("Expected nil client on error")
			}
		})
	}
}

func TestClient_Close_NilSafety(t *testing.T) {
	client := &Client{}
	client.Close()
}

func TestSubjectFromFilter(t *testing.T) {
	tests := []struct {
		filter  string
		want    string
		wantErr bool
	}{
		{filter: "frontend/obu_position", want: "frontend.obu_position"},
		{filter: "vanetza/out/#", want: "vanetza.out.>"},
		{filter: "#", want: ">"},
		{filter: "+/out/cam", want: "*.out.cam"},
		{filter: "obu1", want: "obu1"},
		{filter: "", wantErr: true},
		{filter: "/leading", wantErr: true},
		{filter: "a//b", wantErr: true},
		{filter: "a/#/b", wantErr: true},
		{filter: "a.b/c", wantErr: true},
		{filter: "a b", wantErr: true},
		{filter: "a+/b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			got, err := SubjectFromFilter(tt.filter)
			if tt.wantErr {
				if err == nil {
					t.Errorf("SubjectFromFilter(%q) = %q, want error", tt.filter, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SubjectFromFilter(%q) error = %v", tt.filter, err)
			}
			if got != tt.want {
				t.Errorf("SubjectFromFilter(%q) = %q, want %q", tt.filter, got, tt.want)
			}
			if !containsWildcard(tt.filter) && TopicFromSubject(got) != tt.filter {
				t.Errorf("TopicFromSubject(%q) = %q, want %q", got, TopicFromSubject(got), tt.filter)
			}
		})
	}
}

func containsWildcard(s string) bool {
	for _, r := range s {
		if r == '#' || r == '+' {
			return true
		}
	}
	return false
}

func TestClient_PublishAndSubscribe(t *testing.T) {
	s := runServer(t)

	client, err := New(s.ClientURL(), "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	c := &collector{}
	if err := client.Subscribe("vanetza/out/#", c.handle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if err := client.Publish("vanetza/out/cam", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := client.Publish("frontend/obu_position", []byte(`{"b":2}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := client.Publish("vanetza/out/denm", []byte(`{"c":3}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msgs := c.wait(t, 2)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].topic != "vanetza/out/cam" || msgs[0].payload != `{"a":1}` {
		t.Errorf("Unexpected first message: %+v", msgs[0])
	}
	if msgs[1].topic != "vanetza/out/denm" {
		t.Errorf("Unexpected second message: %+v", msgs[1])
	}
}

func TestClient_PublishInvalidTopic(t *testing.T) {
	s := runServer(t)

	client, err := New(s.ClientURL(), "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	for _, topic := range []string{"", "a/#", "+/b", "a//b"} {
		if err := client.Publish(topic, []byte("x")); err == nil {
			t.Errorf("Publish(%q) should fail", topic)
		}
	}
	if err := client.Subscribe("a//b", func(string, []byte) {}); err == nil {
		t.Error("Subscribe with empty level should fail")
	}
}

func TestClient_OnConnect(t *testing.T) {
	s := runServer(t)

	client, err := New(s.ClientURL(), "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	calls := 0
	client.OnConnect(func() { calls++ })
	if calls != 1 {
		t.Errorf("Expected OnConnect callback to run once, got %d", calls)
	}
}

func TestClient_PublishAfterClose(t *testing.T) {
	s := runServer(t)

	client, err := New(s.ClientURL(), "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	client.Close()

	if err := client.Publish("a/b", []byte("x")); err == nil {
		t.Error("Publish after Close should fail")
	}
}
