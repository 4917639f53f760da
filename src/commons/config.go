package commons

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/bbernhard/caption-playground/src/captioner"
)

type RedisConfig struct {
	Address        string `yaml:"address"`
	MaxConnections int    `yaml:"max_connections"`
}

type WorkerConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

type ModelConfig struct {
	Dir      string `yaml:"dir"`
	Embedded bool   `yaml:"embedded"`
	Fetch    bool   `yaml:"fetch"`
	HubURL   string `yaml:"hub_url"`
	Repo     string `yaml:"repo"`
	Revision string `yaml:"revision"`
	HubToken string `yaml:"hub_token"`
}

type Config struct {
	Listen     string `yaml:"listen"`
	Release    bool   `yaml:"release"`
	LogLevel   string `yaml:"log_level"`
	SentryDSN  string `yaml:"sentry_dsn"`
	UploadsDir string `yaml:"uploads_dir"`

	Redis    RedisConfig               `yaml:"redis"`
	Workers  WorkerConfig              `yaml:"workers"`
	Model    ModelConfig               `yaml:"model"`
	Limits   captioner.Limits          `yaml:"limits"`
	Decoding captioner.DecodingOptions `yaml:"decoding"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:     ":8081",
		LogLevel:   "debug",
		UploadsDir: "../captions/",
		Redis: RedisConfig{
			Address:        ":6379",
			MaxConnections: 50,
		},
		Workers: WorkerConfig{
			Count:     5,
			QueueSize: 100,
		},
		Model: ModelConfig{
			Dir:      "/home/playground/models/blip/",
			HubURL:   captioner.DefaultHubURL,
			Repo:     captioner.ModelRepo,
			Revision: "main",
		},
		Limits:   captioner.DefaultLimits(),
		Decoding: captioner.DefaultDecodingOptions(),
	}
}

// LoadConfig starts from the defaults, applies the YAML file at path (if
// any), then .env and CAPTION_* environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil {
		log.Debug("[Config] No .env file found, using process environment")
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strings := map[string]*string{
		"CAPTION_LISTEN":        &c.Listen,
		"CAPTION_LOG_LEVEL":     &c.LogLevel,
		"CAPTION_SENTRY_DSN":    &c.SentryDSN,
		"CAPTION_UPLOADS_DIR":   &c.UploadsDir,
		"CAPTION_REDIS_ADDRESS": &c.Redis.Address,
		"CAPTION_MODEL_DIR":     &c.Model.Dir,
		"CAPTION_HUB_URL":       &c.Model.HubURL,
		"CAPTION_HUB_TOKEN":     &c.Model.HubToken,
	}
	for key, dst := range strings {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CAPTION_REDIS_MAX_CONNECTIONS": &c.Redis.MaxConnections,
		"CAPTION_WORKERS":               &c.Workers.Count,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"CAPTION_RELEASE":        &c.Release,
		"CAPTION_EMBEDDED_MODEL": &c.Model.Embedded,
		"CAPTION_FETCH_MODEL":    &c.Model.Fetch,
	}
	for key, dst := range bools {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

func (c *Config) Validate() error {
	l := c.Limits
	if l.MinTokens < 1 || l.MinTokens > l.MaxTokens || l.DefaultTokens < l.MinTokens || l.DefaultTokens > l.MaxTokens {
		return fmt.Errorf("invalid max token limits %d..%d (default %d)", l.MinTokens, l.MaxTokens, l.DefaultTokens)
	}
	if l.MinBeams < 1 || l.MinBeams > l.MaxBeams || l.DefaultBeams < l.MinBeams || l.DefaultBeams > l.MaxBeams {
		return fmt.Errorf("invalid beam width limits %d..%d (default %d)", l.MinBeams, l.MaxBeams, l.DefaultBeams)
	}
	if c.Decoding.RepetitionPenalty <= 0 {
		return fmt.Errorf("repetition penalty must be positive, got %v", c.Decoding.RepetitionPenalty)
	}
	if c.Decoding.NoRepeatNgramSize < 0 {
		return fmt.Errorf("no repeat ngram size must not be negative, got %d", c.Decoding.NoRepeatNgramSize)
	}
	if c.Workers.Count < 1 || c.Workers.QueueSize < 1 {
		return fmt.Errorf("need at least one worker and a queue size of at least one")
	}
	return nil
}

// Fetcher returns the hub fetcher configured for the model, or nil when
// fetching is disabled.
func (c *Config) Fetcher() *captioner.Fetcher {
	if !c.Model.Fetch {
		return nil
	}
	f := captioner.NewFetcher(c.Model.HubURL, c.Model.Repo, c.Model.Revision)
	f.Token = c.Model.HubToken
	return f
}

func SetupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}
