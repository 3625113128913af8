package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"iptv-ingest/internal/domain"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Store struct {
		Driver string
		DSN    string
	}
	Download struct {
		DataDir       string
		MaxConcurrent int
		Timeout       time.Duration
	}
	Schedule struct {
		Playlist   time.Duration
		Guide      time.Duration
		RunOnStart bool
	}
	Tasks struct {
		Retention  time.Duration
		PruneEvery time.Duration
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
		Keep      int
	}
	AWS struct {
		Profile string
	}
	Log struct {
		Level  string
		Format string
	}
	Sources []SourceConfig
}

// SourceConfig seeds one entry of the source registry.
type SourceConfig struct {
	Name              string `mapstructure:"name"`
	Enabled           *bool  `mapstructure:"enabled"`
	RefreshEveryHours int    `mapstructure:"refresh_every_hours"`
	Timezone          string `mapstructure:"timezone"`
	PlaylistURL       string `mapstructure:"playlist_url"`
	GuideURL          string `mapstructure:"guide_url"`
}

// Load reads configuration from environment variables and an optional config
// file named config.{yaml,json,toml} in the given directories (default ".").
func Load(paths ...string) (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("IPTV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/iptv.db")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "data/canonical.db")
	v.SetDefault("download.datadir", "data/feeds")
	v.SetDefault("download.maxconcurrent", 3)
	v.SetDefault("download.timeout", "10m")
	v.SetDefault("schedule.playlist", "6h")
	v.SetDefault("schedule.guide", "12h")
	v.SetDefault("schedule.runonstart", false)
	v.SetDefault("tasks.retention", "24h")
	v.SetDefault("tasks.pruneevery", "1h")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "iptv-feeds")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.keep", 10)
	v.SetDefault("aws.profile", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetConfigName("config")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Download.MaxConcurrent <= 0 {
		return fmt.Errorf("download.maxconcurrent must be positive, got %d", c.Download.MaxConcurrent)
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// SeedSources converts the configured sources into registry entries.
func (c Config) SeedSources() []domain.Source {
	out := make([]domain.Source, 0, len(c.Sources))
	for _, sc := range c.Sources {
		src := domain.Source{
			Name:              strings.TrimSpace(sc.Name),
			Enabled:           sc.Enabled == nil || *sc.Enabled,
			RefreshEveryHours: sc.RefreshEveryHours,
			Timezone:          sc.Timezone,
		}
		if src.RefreshEveryHours <= 0 {
			src.RefreshEveryHours = 24
		}
		if src.Timezone == "" {
			src.Timezone = "UTC"
		}
		if sc.PlaylistURL != "" {
			src.SetFile(domain.KindPlaylist, domain.FileMetadata{RemoteURL: sc.PlaylistURL})
		}
		if sc.GuideURL != "" {
			src.SetFile(domain.KindGuide, domain.FileMetadata{RemoteURL: sc.GuideURL})
		}
		out = append(out, src)
	}
	return out
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
