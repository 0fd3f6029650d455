package streamclient

import (
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config carries the tunables consumed by the fetcher and the demo consumer.
type Config struct {
	Group string `koanf:"group"`
	Fetch struct {
		// MaxRecords is the per-partition record count limit on a
		// single fetch request.
		MaxRecords int `koanf:"max_records"`
		// MaxWorkers bounds how many fetch transport calls run
		// concurrently.
		MaxWorkers int `koanf:"max_workers"`
		// PollInterval is the granularity at which FetchRecords
		// checks for completed fetches while waiting.
		PollInterval time.Duration `koanf:"poll_interval"`
	} `koanf:"fetch"`
	Postgres struct {
		DSN       string        `koanf:"dsn"`
		Table     string        `koanf:"table"`
		CursorTTL time.Duration `koanf:"cursor_ttl"`
	} `koanf:"postgres"`
}

func DefaultConfig() Config {
	var cfg Config
	cfg.Fetch.MaxRecords = 1000
	cfg.Fetch.MaxWorkers = 100
	cfg.Fetch.PollInterval = 5 * time.Millisecond
	cfg.Postgres.Table = "stream_records"
	cfg.Postgres.CursorTTL = 5 * time.Minute
	return cfg
}

// LoadConfig merges, in order, defaults, a YAML file (if path is non-empty)
// and environment variables with the given prefix. Environment variables map
// to config keys by trimming the prefix, lower-casing, and replacing "__"
// with the key delimiter (e.g. STREAM_FETCH__MAX_RECORDS ->
// fetch.max_records).
func LoadConfig(path, envPrefix string) (*Config, error) {
	cfg := DefaultConfig()
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
			return nil, Errorf("config: loading %s: %w", path, err)
		}
	}
	if envPrefix != "" {
		prefix := strings.ToUpper(strings.TrimSuffix(envPrefix, "_")) + "_"
		transform := func(s string) string {
			s = strings.TrimPrefix(s, prefix)
			s = strings.ReplaceAll(s, "__", ".")
			return strings.ToLower(s)
		}
		if err := k.Load(env.Provider(prefix, ".", transform), nil); err != nil {
			return nil, Errorf("config: loading env: %w", err)
		}
	}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			WeaklyTypedInput: true,
			Result:           &cfg,
		},
	}); err != nil {
		return nil, Errorf("config: %w", err)
	}
	return &cfg, nil
}
