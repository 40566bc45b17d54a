package mqtt

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMQTTClient_Integration_PublishAndSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "eclipse-mosquitto:2",
			ExposedPorts: []string{"1883/tcp"},
			Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
			WaitingFor:   wait.ForListeningPort("1883/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Mosquitto container: %v", err)
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate Mosquitto container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "1883/tcp")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	client, err := New(fmt.Sprintf("tcp://%s:%s", host, port.Port()), "obu-tracker-it")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	var (
		mu     sync.Mutex
		topics []string
	)
	subscribed := make(chan error, 1)
	client.OnConnect(func() {
		err := client.Subscribe("vanetza/out/#", func(topic string, _ []byte) {
			mu.Lock()
			topics = append(topics, topic)
			mu.Unlock()
		})
		select {
		case subscribed <- err:
		default:
		}
	})
	if err := <-subscribed; err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := client.Publish("vanetza/out/cam", []byte(`{}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(topics)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(topics) == 0 || topics[0] != "vanetza/out/cam" {
		t.Errorf("Expected delivery on vanetza/out/cam, got %v", topics)
	}
}
