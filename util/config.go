package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "agora"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host         string
		SshPort      int      `yaml:"sshPort"`
		HttpPort     int      `yaml:"httpPort"`
		SslDomain    string   `yaml:"sslDomain"`
		DatabasePath string   `yaml:"databasePath"`
		WithSsh      bool     `yaml:"withSsh"`
		AdminKeys    []string `yaml:"adminKeys"`
	}
	Federation FederationConfig `yaml:"federation"`
}

type FederationConfig struct {
	FetchTimeout        time.Duration `yaml:"fetchTimeout"`
	FetchMaxBytes       int64         `yaml:"fetchMaxBytes"`
	MaxFetchDepth       int           `yaml:"maxFetchDepth"`
	KeyCacheTTL         time.Duration `yaml:"keyCacheTTL"`
	InboundConcurrency  int           `yaml:"inboundConcurrency"`
	DeliveryConcurrency int           `yaml:"deliveryConcurrency"`
	DeliveryTimeout     time.Duration `yaml:"deliveryTimeout"`
	MaxDeliveryAttempts int           `yaml:"maxDeliveryAttempts"`
	BackoffBase         time.Duration `yaml:"backoffBase"`
	BackoffCap          time.Duration `yaml:"backoffCap"`
	PollInterval        time.Duration `yaml:"pollInterval"`
	BatchSize           int           `yaml:"batchSize"`
	BlockedHosts        []string      `yaml:"blockedHosts"`
	BlocklistFile       string        `yaml:"blocklistFile"`
	DedupRetention      time.Duration `yaml:"dedupRetention"`
	DedupBackend        string        `yaml:"dedupBackend"`
	RedisAddr           string        `yaml:"redisAddr"`
	RedisDB             int           `yaml:"redisDB"`
	MaxInboxBytes       int64         `yaml:"maxInboxBytes"`
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// defaults first so a partial config file only overrides what it names
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}

	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Info("Config file not found, using embedded defaults", "path", configPath)

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("Created default config file", "path", userConfigPath)
			}
		}
	} else if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *AppConfig) applyEnv() error {
	strVar := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	intVar := func(name string, dst *int) error {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
		return nil
	}
	durVar := func(name string, dst *time.Duration) error {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
		return nil
	}

	strVar("AGORA_HOST", &c.Conf.Host)
	strVar("AGORA_SSLDOMAIN", &c.Conf.SslDomain)
	strVar("AGORA_DATABASE", &c.Conf.DatabasePath)
	strVar("AGORA_BLOCKLIST_FILE", &c.Federation.BlocklistFile)
	strVar("AGORA_DEDUP_BACKEND", &c.Federation.DedupBackend)
	strVar("AGORA_REDIS_ADDR", &c.Federation.RedisAddr)

	if os.Getenv("AGORA_WITH_SSH") == "true" {
		c.Conf.WithSsh = true
	}
	if v := os.Getenv("AGORA_BLOCKED_HOSTS"); v != "" {
		c.Federation.BlockedHosts = strings.Split(v, ",")
	}

	for name, dst := range map[string]*int{
		"AGORA_SSHPORT":              &c.Conf.SshPort,
		"AGORA_HTTPPORT":             &c.Conf.HttpPort,
		"AGORA_DELIVERY_CONCURRENCY": &c.Federation.DeliveryConcurrency,
		"AGORA_INBOUND_CONCURRENCY":  &c.Federation.InboundConcurrency,
		"AGORA_MAX_ATTEMPTS":         &c.Federation.MaxDeliveryAttempts,
	} {
		if err := intVar(name, dst); err != nil {
			return err
		}
	}
	for name, dst := range map[string]*time.Duration{
		"AGORA_FETCH_TIMEOUT": &c.Federation.FetchTimeout,
		"AGORA_KEY_TTL":       &c.Federation.KeyCacheTTL,
		"AGORA_BACKOFF_BASE":  &c.Federation.BackoffBase,
		"AGORA_BACKOFF_CAP":   &c.Federation.BackoffCap,
	} {
		if err := durVar(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects limits that would stall or disable federation.
func (c *AppConfig) Validate() error {
	f := c.Federation
	positive := []struct {
		name string
		ok   bool
	}{
		{"federation.fetchTimeout", f.FetchTimeout > 0},
		{"federation.fetchMaxBytes", f.FetchMaxBytes > 0},
		{"federation.maxFetchDepth", f.MaxFetchDepth > 0},
		{"federation.keyCacheTTL", f.KeyCacheTTL > 0},
		{"federation.inboundConcurrency", f.InboundConcurrency > 0},
		{"federation.deliveryConcurrency", f.DeliveryConcurrency > 0},
		{"federation.deliveryTimeout", f.DeliveryTimeout > 0},
		{"federation.maxDeliveryAttempts", f.MaxDeliveryAttempts > 0},
		{"federation.backoffBase", f.BackoffBase > 0},
		{"federation.backoffCap", f.BackoffCap > 0},
		{"federation.pollInterval", f.PollInterval > 0},
		{"federation.batchSize", f.BatchSize > 0},
		{"federation.dedupRetention", f.DedupRetention > 0},
		{"federation.maxInboxBytes", f.MaxInboxBytes > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("config: %s must be positive", p.name)
		}
	}
	if f.BackoffCap < f.BackoffBase {
		return fmt.Errorf("config: federation.backoffCap must not be below backoffBase")
	}
	switch f.DedupBackend {
	case "sqlite", "":
	case "redis":
		if f.RedisAddr == "" {
			return fmt.Errorf("config: federation.redisAddr is required for the redis dedup backend")
		}
	default:
		return fmt.Errorf("config: unknown dedup backend %q", f.DedupBackend)
	}
	if c.Conf.SslDomain == "" {
		return fmt.Errorf("config: conf.sslDomain is required")
	}
	return nil
}
