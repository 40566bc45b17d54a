package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBrokerURL = "tcp://localhost:1883"
	DefaultTopic     = "frontend/obu_position"
	DefaultCenterDMS = `40°38'29.1"N 8°39'31.1"W`
	DefaultRelayFrom = "vanetza/out/#"
	DefaultCAMOut    = "vanetza/out/cam"

	// DefaultWaypoints is a short loop around the default centre
	DefaultWaypoints = `40°38'29.1"N 8°39'31.1"W;40°38'30.0"N 8°39'29.5"W;` +
		`40°38'31.2"N 8°39'27.9"W;40°38'32.0"N 8°39'30.0"W`
)

var validate = validator.New()

// Config holds the tracker configuration
type Config struct {
	BrokerURL     string   `validate:"required,url"`
	ClientID      string   `validate:"required"`
	Topics        []string `validate:"min=1,dive,required"`
	FallbackID    string   `validate:"required"`
	TopicPrefixID bool
	CenterDMS     string        `validate:"required"`
	Duration      time.Duration `validate:"gt=0"`
	Steps         int           `validate:"gte=1"`
	HTTPAddr      string        `validate:"required"`
	PushInterval  time.Duration `validate:"gt=0"`
	StatsInterval time.Duration `validate:"gt=0"`
	RedisAddr     string
	RedisTTL      time.Duration `validate:"gt=0"`
	DBConnStr     string
	JournalDir    string
	Log           LogConfig
}

// LogConfig holds the logging settings shared by every binary
type LogConfig struct {
	Level      string
	Format     string `validate:"omitempty,oneof=text json"`
	FilePath   string
	MaxAgeDays int `validate:"gte=0"`
}

// SimulatorConfig holds the simulator configuration
type SimulatorConfig struct {
	BrokerURL string        `validate:"required,url"`
	Topic     string        `validate:"required"`
	EntityID  string        `validate:"required"`
	StationID int           `validate:"gte=0"`
	Shape     string        `validate:"oneof=flat cam"`
	Interval  time.Duration `validate:"gt=0"`
	Waypoints []string      `validate:"min=2,dive,required"`
	Loop      bool

	// RoundaboutDMS enables yielding to other OBUs circulating in the
	// roundabout centred there. Distances are in metres.
	RoundaboutDMS      string
	RoundaboutRadius   float64 `validate:"gt=0"`
	RoundaboutMargin   float64 `validate:"gte=0"`
	ProximityThreshold float64 `validate:"gt=0"`
	ListenTopic        string  `validate:"required_with=RoundaboutDMS"`

	Log LogConfig
}

// RelayConfig is the YAML file read by the relay
type RelayConfig struct {
	Central string     `yaml:"central" validate:"required,url"`
	Topic   string     `yaml:"topic" validate:"required"`
	OBUs    []RelayOBU `yaml:"obus" validate:"min=1,unique=ID,dive"`
	Log     LogConfig  `yaml:"-"`
}

// RelayOBU is one OBU broker forwarded by the relay
type RelayOBU struct {
	ID  string `yaml:"id" validate:"required"`
	URL string `yaml:"url" validate:"required,url"`
}

// Load loads the tracker configuration from environment variables and .env file
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		BrokerURL:  getEnv("BROKER_URL", DefaultBrokerURL),
		ClientID:   getEnv("CLIENT_ID", "obu-tracker"),
		Topics:     splitList(getEnv("TOPICS", DefaultTopic), ","),
		FallbackID: getEnv("FALLBACK_ID", "OBU"),
		CenterDMS:  getEnv("CENTER_DMS", DefaultCenterDMS),
		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),
		RedisAddr:  os.Getenv("REDIS_ADDR"),
		DBConnStr:  os.Getenv("DB_CONN_STR"),
		JournalDir: os.Getenv("JOURNAL_DIR"),
		Log:        loadLogConfig(),
	}

	var err error
	if cfg.TopicPrefixID, err = getBool("TOPIC_PREFIX_ID", false); err != nil {
		return nil, err
	}
	if cfg.Duration, err = getDuration("ANIMATION_DURATION", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Steps, err = getInt("ANIMATION_STEPS", 30); err != nil {
		return nil, err
	}
	if cfg.PushInterval, err = getDuration("PUSH_INTERVAL", 33*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.StatsInterval, err = getDuration("STATS_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.RedisTTL, err = getDuration("REDIS_TTL", time.Hour); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadSimulator loads the simulator configuration from environment variables
func LoadSimulator() (*SimulatorConfig, error) {
	_ = godotenv.Load()

	cfg := &SimulatorConfig{
		BrokerURL: getEnv("BROKER_URL", DefaultBrokerURL),
		Topic:     getEnv("SIM_TOPIC", DefaultTopic),
		EntityID:  getEnv("SIM_ENTITY_ID", "OBU1"),
		Shape:     getEnv("SIM_SHAPE", "flat"),
		Waypoints: splitList(getEnv("SIM_WAYPOINTS", DefaultWaypoints), ";"),
		Log:       loadLogConfig(),

		RoundaboutDMS: os.Getenv("SIM_ROUNDABOUT_CENTER"),
		ListenTopic:   getEnv("SIM_LISTEN_TOPIC", DefaultCAMOut),
	}

	var err error
	if cfg.StationID, err = getInt("SIM_STATION_ID", 1); err != nil {
		return nil, err
	}
	if cfg.Interval, err = getDuration("SIM_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.Loop, err = getBool("SIM_LOOP", true); err != nil {
		return nil, err
	}
	if cfg.RoundaboutRadius, err = getFloat("SIM_ROUNDABOUT_RADIUS", 20); err != nil {
		return nil, err
	}
	if cfg.RoundaboutMargin, err = getFloat("SIM_ROUNDABOUT_MARGIN", 15); err != nil {
		return nil, err
	}
	if cfg.ProximityThreshold, err = getFloat("SIM_PROXIMITY_THRESHOLD", 35); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid simulator configuration: %w", err)
	}
	return cfg, nil
}

// LoadRelay reads the relay configuration from a YAML file
func LoadRelay(path string) (*RelayConfig, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read relay config: %w", err)
	}

	cfg := &RelayConfig{Topic: DefaultRelayFrom}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse relay config: %w", err)
	}
	cfg.Log = loadLogConfig()

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid relay configuration: %w", err)
	}
	return cfg, nil
}

func loadLogConfig() LogConfig {
	maxAge, err := strconv.Atoi(os.Getenv("LOG_MAX_AGE_DAYS"))
	if err != nil {
		maxAge = 0
	}
	return LogConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     strings.ToLower(getEnv("LOG_FORMAT", "text")),
		FilePath:   os.Getenv("LOG_FILE"),
		MaxAgeDays: maxAge,
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func getInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

// splitList splits s on sep, trimming blanks and dropping empty items
func splitList(s, sep string) []string {
	var out []string
	for _, item := range strings.Split(s, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
