package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rowbus/internal/model"
)

// SourcesFile is the YAML layout of the sources file.
type SourcesFile struct {
	Channel string `yaml:"channel"`
	Sources []struct {
		Name            string `yaml:"name"`
		Query           string `yaml:"query"`
		EventTimeColumn string `yaml:"eventTimeColumn"`
	} `yaml:"sources"`
}

// Load reads configuration from environment variables, falling back to defaults,
// then reads the sources file. BUS_CHANNEL wins over the file's channel.
func Load() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DBDriver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("ROWBUS_SOURCES_FILE"); v != "" {
		cfg.SourcesFile = v
	}
	if v := os.Getenv("CYCLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CycleInterval = d
		}
	}
	if v := os.Getenv("SYNC_PARALLEL"); v != "" {
		cfg.Parallel = isTrue(v)
	}
	if v := os.Getenv("INVALID_ROW_POLICY"); v != "" {
		cfg.InvalidRowPolicy = strings.ToLower(v)
	}
	if v := os.Getenv("BUS_KIND"); v != "" {
		cfg.BusKind = strings.ToLower(v)
	}
	if v := os.Getenv("PUBLISH_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.PublishRetries = i
		}
	}
	if v := os.Getenv("MQTT_URL"); v != "" {
		cfg.MQTTURL = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.MQTTClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTTUsername = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTTPassword = v
	}
	if v := os.Getenv("MQTT_QOS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.MQTTQoS = i
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURLs = splitList(v)
	}
	if v := os.Getenv("NATS_USERNAME"); v != "" {
		cfg.NATSUsername = v
	}
	if v := os.Getenv("NATS_PASSWORD"); v != "" {
		cfg.NATSPassword = v
	}
	if v := os.Getenv("NATS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NATSTimeout = d
		}
	}
	if v := os.Getenv("NATS_STREAM"); v != "" {
		cfg.NATSStream = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("CHECKPOINT_BACKEND"); v != "" {
		cfg.CheckpointBackend = strings.ToLower(v)
	}
	if v := os.Getenv("CHECKPOINT_PATH"); v != "" {
		cfg.CheckpointPath = v
	}
	if v := os.Getenv("CHECKPOINT_KEY"); v != "" {
		cfg.CheckpointKey = v
	}
	if v := os.Getenv("CHECKPOINT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CheckpointTTL = d
		}
	}
	if v := os.Getenv("CHECKPOINT_DSN"); v != "" {
		cfg.CheckpointDSN = v
	}
	if v := os.Getenv("HEALTH_ADDR"); v != "" {
		cfg.HealthAddr = v
	}
	if v := os.Getenv("METRICS_REPORT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MetricsReportInterval = d
		}
	}
	if v := os.Getenv("DEBUG"); v != "" {
		cfg.Debug = isTrue(v)
	}

	file, err := LoadSources(cfg.SourcesFile)
	if err != nil {
		return cfg, err
	}
	cfg.Sources = file.List()
	if file.Channel != "" {
		cfg.BusChannel = file.Channel
	}
	if v := os.Getenv("BUS_CHANNEL"); v != "" {
		cfg.BusChannel = v
	}
	return cfg, nil
}

// LoadSources parses the YAML sources file at path.
func LoadSources(path string) (*SourcesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var f SourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources file %s: %w", path, err)
	}
	return &f, nil
}

// List returns the configured sources with surrounding whitespace removed.
func (f *SourcesFile) List() []model.Source {
	out := make([]model.Source, 0, len(f.Sources))
	for _, s := range f.Sources {
		out = append(out, model.Source{
			Name:            strings.TrimSpace(s.Name),
			Query:           strings.TrimSpace(s.Query),
			EventTimeColumn: strings.TrimSpace(s.EventTimeColumn),
		})
	}
	return out
}

func isTrue(v string) bool {
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
