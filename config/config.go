// Package config loads the service configuration from an optional YAML file
// and environment overrides. Invalid values never abort startup: they are
// replaced with defaults and reported as ErrConfiguration warnings.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"rfwatch/db"
	"rfwatch/engine"
	"rfwatch/utils"
)

// ErrConfiguration marks a value that was replaced by its default.
var ErrConfiguration = errors.New("configuration error")

const (
	DefaultPort            = 5000
	DefaultSignaturesPath  = "drone/signatures.json"
	DefaultMQTTTopicPrefix = "rfwatch"
	DefaultKafkaTopic      = "rf-signals"
	DefaultKafkaGroupID    = "rfwatch"
)

type ServerConfig struct {
	Port int `yaml:"port"`
	// AllowedOrigin is sent as Access-Control-Allow-Origin; empty disables CORS headers.
	AllowedOrigin string `yaml:"allowed_origin"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Enabled reports whether a broker is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         byte   `yaml:"qos"`
}

func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

type Config struct {
	Server         ServerConfig  `yaml:"server"`
	Engine         engine.Config `yaml:"engine"`
	Database       db.Options    `yaml:"database"`
	Kafka          KafkaConfig   `yaml:"kafka"`
	MQTT           MQTTConfig    `yaml:"mqtt"`
	SignaturesPath string        `yaml:"signatures_path"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{Port: DefaultPort}
}

func DefaultDatabaseConfig() db.Options {
	return db.Options{
		Type:       "sqlite",
		SQLitePath: "db/rfwatch.sqlite3",
		MongoURI:   "mongodb://localhost:27017",
		MongoDB:    "rfwatch",
		JSONPath:   "data/detections.json",
	}
}

func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{Topic: DefaultKafkaTopic, GroupID: DefaultKafkaGroupID}
}

func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{TopicPrefix: DefaultMQTTTopicPrefix, ClientID: "rfwatch", QoS: 1}
}

func Default() Config {
	return Config{
		Server:         DefaultServerConfig(),
		Engine:         engine.DefaultConfig(),
		Database:       DefaultDatabaseConfig(),
		Kafka:          DefaultKafkaConfig(),
		MQTT:           DefaultMQTTConfig(),
		SignaturesPath: DefaultSignaturesPath,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// RFWATCH_CONFIG when path is empty), then environment variables, with .env
// loaded first. Read and parse failures are returned; value problems are
// logged as warnings and fixed.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = utils.GetEnv("RFWATCH_CONFIG", "")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Normalize(); err != nil {
		utils.GetLogger().Warn("configuration values replaced by defaults", slog.Any("error", err))
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = utils.GetEnvInt("HTTP_PORT", c.Server.Port)
	c.Engine.TickRateHz = utils.GetEnvFloat("TICK_RATE_HZ", c.Engine.TickRateHz)
	c.Engine.GridSizeMeters = utils.GetEnvFloat("GRID_SIZE_METERS", c.Engine.GridSizeMeters)
	c.Engine.Pattern.Threshold = utils.GetEnvFloat("PATTERN_THRESHOLD", c.Engine.Pattern.Threshold)

	c.Database.Type = utils.GetEnv("DB_TYPE", c.Database.Type)
	c.Database.SQLitePath = utils.GetEnv("SQLITE_PATH", c.Database.SQLitePath)
	c.Database.MongoURI = utils.GetEnv("MONGO_URI", c.Database.MongoURI)
	c.Database.MongoDB = utils.GetEnv("MONGO_DB", c.Database.MongoDB)
	c.Database.JSONPath = utils.GetEnv("DETECTIONS_FILE", c.Database.JSONPath)

	if brokers := utils.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	c.Kafka.Topic = utils.GetEnv("KAFKA_TOPIC_SIGNALS", c.Kafka.Topic)
	c.Kafka.GroupID = utils.GetEnv("KAFKA_GROUP_ID", c.Kafka.GroupID)

	c.MQTT.Broker = utils.GetEnv("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.TopicPrefix = utils.GetEnv("MQTT_TOPIC_PREFIX", c.MQTT.TopicPrefix)
	c.MQTT.Username = utils.GetEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = utils.GetEnv("MQTT_PASSWORD", c.MQTT.Password)

	c.SignaturesPath = utils.GetEnv("DRONE_SIGNATURES_PATH", c.SignaturesPath)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Normalize fixes invalid values in place. Every fix is reported in the
// returned error, each wrapping ErrConfiguration.
func (c *Config) Normalize() error {
	var errs []error
	reset := func(cause error) {
		errs = append(errs, fmt.Errorf("%w: %w", ErrConfiguration, cause))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		reset(fmt.Errorf("server.port=%d", c.Server.Port))
		c.Server.Port = DefaultPort
	}

	normalized, err := c.Engine.Normalize()
	c.Engine = normalized
	if err != nil {
		reset(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Database.Type)) {
	case "sqlite", "mongo", "mongodb", "json", "file", "none":
	default:
		reset(fmt.Errorf("database.type=%q", c.Database.Type))
		c.Database.Type = DefaultDatabaseConfig().Type
	}

	if c.Kafka.Enabled() {
		if c.Kafka.Topic == "" {
			reset(errors.New("kafka.topic is empty"))
			c.Kafka.Topic = DefaultKafkaTopic
		}
		if c.Kafka.GroupID == "" {
			c.Kafka.GroupID = DefaultKafkaGroupID
		}
	}

	if c.MQTT.QoS > 2 {
		reset(fmt.Errorf("mqtt.qos=%d", c.MQTT.QoS))
		c.MQTT.QoS = DefaultMQTTConfig().QoS
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultMQTTConfig().ClientID
	}

	return errors.Join(errs...)
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}
