package testutils

import (
	"context"
	"fmt"
	"time"

	"github.com/saviobatista/obu-tracker/internal/types"
)

// FlatPayload builds a flat telemetry payload
func FlatPayload(obuID string, lat, lon float64) []byte {
	return []byte(fmt.Sprintf(`{"obu_id":%q,"latitude":%v,"longitude":%v}`, obuID, lat, lon))
}

// CAMPayload builds a nested CAM payload carrying only a reference position
func CAMPayload(lat, lon float64) []byte {
	return []byte(fmt.Sprintf(
		`{"fields":{"cam":{"camParameters":{"basicContainer":{"referencePosition":{"latitude":%v,"longitude":%v}}}}}}`,
		lat, lon,
	))
}

// MockTelemetryMessage creates a telemetry message for testing
func MockTelemetryMessage(topic string, payload []byte) *types.TelemetryMessage {
	return &types.TelemetryMessage{
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
		}
	}
}
