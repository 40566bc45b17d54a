package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"BROKER_URL", "CLIENT_ID", "TOPICS", "FALLBACK_ID", "TOPIC_PREFIX_ID", "CENTER_DMS",
	"ANIMATION_DURATION", "ANIMATION_STEPS", "HTTP_ADDR", "PUSH_INTERVAL", "STATS_INTERVAL",
	"REDIS_ADDR", "REDIS_TTL", "DB_CONN_STR", "JOURNAL_DIR",
	"LOG_LEVEL", "LOG_FORMAT", "LOG_FILE", "LOG_MAX_AGE_DAYS",
	"SIM_TOPIC", "SIM_ENTITY_ID", "SIM_STATION_ID", "SIM_SHAPE", "SIM_INTERVAL", "SIM_WAYPOINTS", "SIM_LOOP",
	"SIM_ROUNDABOUT_CENTER", "SIM_ROUNDABOUT_RADIUS", "SIM_ROUNDABOUT_MARGIN", "SIM_PROXIMITY_THRESHOLD", "SIM_LISTEN_TOPIC",
}

// clearEnv blanks every variable read by this package for the test's duration
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.BrokerURL != DefaultBrokerURL {
		t.Errorf("Expected BrokerURL = %s, got %s", DefaultBrokerURL, cfg.BrokerURL)
	}
	if len(cfg.Topics) != 1 || cfg.Topics[0] != DefaultTopic {
		t.Errorf("Expected Topics = [%s], got %v", DefaultTopic, cfg.Topics)
	}
	if cfg.FallbackID != "OBU" {
		t.Errorf("Expected FallbackID = OBU, got %s", cfg.FallbackID)
	}
	if cfg.TopicPrefixID {
		t.Error("Expected TopicPrefixID to default to false")
	}
	if cfg.CenterDMS != DefaultCenterDMS {
		t.Errorf("Expected CenterDMS = %s, got %s", DefaultCenterDMS, cfg.CenterDMS)
	}
	if cfg.Duration != 500*time.Millisecond || cfg.Steps != 30 {
		t.Errorf("Expected 500ms/30 steps, got %v/%d", cfg.Duration, cfg.Steps)
	}
	if cfg.HTTPAddr != ":8080" || cfg.PushInterval != 33*time.Millisecond {
		t.Errorf("Unexpected HTTP settings: %s %v", cfg.HTTPAddr, cfg.PushInterval)
	}
	if cfg.RedisAddr != "" || cfg.DBConnStr != "" || cfg.JournalDir != "" {
		t.Error("Optional sinks should be disabled by default")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Unexpected log defaults: %+v", cfg.Log)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROKER_URL", "nats://nats:4222")
	t.Setenv("TOPICS", " frontend/obu_position , +/vanetza/out/cam ,,")
	t.Setenv("FALLBACK_ID", "UNKNOWN")
	t.Setenv("TOPIC_PREFIX_ID", "true")
	t.Setenv("ANIMATION_DURATION", "1s")
	t.Setenv("ANIMATION_STEPS", "10")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOG_FORMAT", "JSON")
	t.Setenv("LOG_MAX_AGE_DAYS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	expectedTopics := []string{"frontend/obu_position", "+/vanetza/out/cam"}
	if len(cfg.Topics) != len(expectedTopics) {
		t.Fatalf("Expected %d topics, got %v", len(expectedTopics), cfg.Topics)
	}
	for i, topic := range expectedTopics {
		if cfg.Topics[i] != topic {
			t.Errorf("Expected topic[%d] = %s, got %s", i, topic, cfg.Topics[i])
		}
	}
	if cfg.BrokerURL != "nats://nats:4222" || cfg.FallbackID != "UNKNOWN" || !cfg.TopicPrefixID {
		t.Errorf("Unexpected config: %+v", cfg)
	}
	if cfg.Duration != time.Second || cfg.Steps != 10 {
		t.Errorf("Expected 1s/10 steps, got %v/%d", cfg.Duration, cfg.Steps)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Errorf("Expected RedisAddr = redis:6379, got %s", cfg.RedisAddr)
	}
	if cfg.Log.Format != "json" || cfg.Log.MaxAgeDays != 7 {
		t.Errorf("Unexpected log config: %+v", cfg.Log)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "bad bool", key: "TOPIC_PREFIX_ID", val: "maybe"},
		{name: "bad duration", key: "ANIMATION_DURATION", val: "fast"},
		{name: "zero duration", key: "ANIMATION_DURATION", val: "0s"},
		{name: "bad steps", key: "ANIMATION_STEPS", val: "many"},
		{name: "zero steps", key: "ANIMATION_STEPS", val: "0"},
		{name: "broker without scheme", key: "BROKER_URL", val: "localhost"},
		{name: "no topics", key: "TOPICS", val: " , "},
		{name: "unknown log format", key: "LOG_FORMAT", val: "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			if cfg, err := Load(); err == nil {
				t.Errorf("Load() should fail, got %+v", cfg)
			}
		})
	}
}

func TestLoadSimulator(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadSimulator()
	if err != nil {
		t.Fatalf("LoadSimulator() failed: %v", err)
	}
	if cfg.Topic != DefaultTopic || cfg.EntityID != "OBU1" || cfg.Shape != "flat" {
		t.Errorf("Unexpected simulator defaults: %+v", cfg)
	}
	if len(cfg.Waypoints) != 4 {
		t.Errorf("Expected 4 default waypoints, got %d", len(cfg.Waypoints))
	}
	if !cfg.Loop || cfg.Interval != time.Second {
		t.Errorf("Unexpected loop/interval: %v %v", cfg.Loop, cfg.Interval)
	}
	if cfg.RoundaboutDMS != "" || cfg.ListenTopic != DefaultCAMOut {
		t.Errorf("Unexpected roundabout defaults: %q %q", cfg.RoundaboutDMS, cfg.ListenTopic)
	}
	if cfg.RoundaboutRadius != 20 || cfg.RoundaboutMargin != 15 || cfg.ProximityThreshold != 35 {
		t.Errorf("Unexpected roundabout geometry: %v %v %v",
			cfg.RoundaboutRadius, cfg.RoundaboutMargin, cfg.ProximityThreshold)
	}

	t.Setenv("SIM_SHAPE", "gpx")
	if _, err := LoadSimulator(); err == nil {
		t.Error("LoadSimulator() should reject unknown shapes")
	}

	t.Setenv("SIM_SHAPE", "cam")
	t.Setenv("SIM_WAYPOINTS", DefaultCenterDMS)
	if _, err := LoadSimulator(); err == nil {
		t.Error("LoadSimulator() should require at least two waypoints")
	}
}

func TestLoadSimulator_Roundabout(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{
			name: "roundabout configured",
			env: map[string]string{
				"SIM_ROUNDABOUT_CENTER":   DefaultCenterDMS,
				"SIM_ROUNDABOUT_RADIUS":   "12.5",
				"SIM_PROXIMITY_THRESHOLD": "40",
			},
		},
		{name: "radius not a number", env: map[string]string{"SIM_ROUNDABOUT_RADIUS": "wide"}, wantErr: true},
		{name: "negative radius", env: map[string]string{"SIM_ROUNDABOUT_RADIUS": "-3"}, wantErr: true},
		{name: "negative margin", env: map[string]string{"SIM_ROUNDABOUT_MARGIN": "-1"}, wantErr: true},
		{name: "zero proximity", env: map[string]string{"SIM_PROXIMITY_THRESHOLD": "0"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := LoadSimulator()
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadSimulator() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.RoundaboutDMS != DefaultCenterDMS || cfg.RoundaboutRadius != 12.5 || cfg.ProximityThreshold != 40 {
				t.Errorf("Unexpected roundabout settings: %+v", cfg)
			}
		})
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadRelay(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
central: tcp://192.168.98.30:1883
obus:
  - id: OBU1
    url: tcp://192.168.98.10:1883
  - id: OBU2
    url: tcp://192.168.98.20:1883
`)

	cfg, err := LoadRelay(path)
	if err != nil {
		t.Fatalf("LoadRelay() failed: %v", err)
	}
	if cfg.Central != "tcp://192.168.98.30:1883" {
		t.Errorf("Unexpected central: %s", cfg.Central)
	}
	if cfg.Topic != DefaultRelayFrom {
		t.Errorf("Expected default topic %s, got %s", DefaultRelayFrom, cfg.Topic)
	}
	if len(cfg.OBUs) != 2 || cfg.OBUs[1].ID != "OBU2" {
		t.Errorf("Unexpected OBUs: %+v", cfg.OBUs)
	}
}

func TestLoadRelay_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			content: "central: [",
			wantErr: "failed to parse",
		},
		{
			name:    "no obus",
			content: "central: tcp://c:1883\nobus: []\n",
			wantErr: "invalid relay configuration",
		},
		{
			name:    "duplicate ids",
			content: "central: tcp://c:1883\nobus:\n  - {id: A, url: tcp://a:1883}\n  - {id: A, url: tcp://b:1883}\n",
			wantErr: "invalid relay configuration",
		},
		{
			name:    "obu without url",
			content: "central: tcp://c:1883\nobus:\n  - {id: A}\n",
			wantErr: "invalid relay configuration",
		},
		{
			name:    "missing central",
			content: "obus:\n  - {id: A, url: tcp://a:1883}\n",
			wantErr: "invalid relay configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := LoadRelay(writeFile(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadRelay() error = %v, want %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadRelay(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadRelay() should fail for a missing file")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a ;; b ;", ";")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("splitList() = %v, want [a b]", got)
	}
	if splitList("", ",") != nil {
		t.Error("splitList(\"\") should be empty")
	}
}
