package commons

import (
	"github.com/spf13/cobra"
)

// AddFlags registers the overrides both binaries understand.
func AddFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "Path to the YAML config file")
	f.Bool("release", false, "Run in release mode")
	f.String("log-level", "debug", "Log level (debug, info, warn, error)")
	f.String("redis-address", ":6379", "Address to the Redis server")
	f.Int("redis-max-connections", 50, "Max connections to Redis")
	f.String("uploads-dir", "../captions/", "Location of the temporarily saved images for captioning")
	f.String("model-dir", "", "Directory of the exported BLIP model")
	f.Bool("fetch-model", false, "Download missing model files from the hub on startup")
}

// ConfigFromFlags loads the file named by --config and then applies every
// flag that was set explicitly on the command line.
func ConfigFromFlags(cmd *cobra.Command) (*Config, error) {
	f := cmd.Flags()

	path, _ := f.GetString("config")
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	strings := map[string]*string{
		"listen":        &cfg.Listen,
		"log-level":     &cfg.LogLevel,
		"redis-address": &cfg.Redis.Address,
		"uploads-dir":   &cfg.UploadsDir,
		"model-dir":     &cfg.Model.Dir,
	}
	for name, dst := range strings {
		if f.Changed(name) {
			if *dst, err = f.GetString(name); err != nil {
				return nil, err
			}
		}
	}

	ints := map[string]*int{
		"redis-max-connections": &cfg.Redis.MaxConnections,
		"max-workers":           &cfg.Workers.Count,
		"max-worker-queue-size": &cfg.Workers.QueueSize,
	}
	for name, dst := range ints {
		if f.Changed(name) {
			if *dst, err = f.GetInt(name); err != nil {
				return nil, err
			}
		}
	}

	bools := map[string]*bool{
		"release":        &cfg.Release,
		"fetch-model":    &cfg.Model.Fetch,
		"embedded-model": &cfg.Model.Embedded,
	}
	for name, dst := range bools {
		if f.Changed(name) {
			if *dst, err = f.GetBool(name); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
