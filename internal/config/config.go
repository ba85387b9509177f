package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/satindergrewal/trackwatch/internal/audio"
	"github.com/satindergrewal/trackwatch/internal/catalog"
	"github.com/satindergrewal/trackwatch/internal/fingerprint"
	"github.com/satindergrewal/trackwatch/internal/matcher"
	"github.com/satindergrewal/trackwatch/internal/monitor"
)

// ErrInvalid is wrapped by Validate.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override, e.g. TRACKWATCH_WINDOW_SECONDS.
const EnvPrefix = "TRACKWATCH"

// Config holds all runtime configuration, loaded from an optional
// trackwatch.yaml and environment variables.
type Config struct {
	Stream struct {
		URL    string `mapstructure:"url"`
		FFmpeg string `mapstructure:"ffmpeg"`
	} `mapstructure:"stream"`

	Audio struct {
		SampleRate  int `mapstructure:"sample_rate"`
		Channels    int `mapstructure:"channels"`
		SampleWidth int `mapstructure:"sample_width"` // bytes per sample
	} `mapstructure:"audio"`

	Window struct {
		Seconds        float64 `mapstructure:"seconds"`
		OverlapSeconds float64 `mapstructure:"overlap_seconds"`
		MissThreshold  int     `mapstructure:"miss_threshold"`
	} `mapstructure:"window"`

	Matcher struct {
		Java         string        `mapstructure:"java"`
		Jar          string        `mapstructure:"jar"`
		AddOpens     []string      `mapstructure:"add_opens"`
		QueryTimeout time.Duration `mapstructure:"query_timeout"`
		DBDir        string        `mapstructure:"db_dir"`
	} `mapstructure:"matcher"`

	Library struct {
		Dir        string   `mapstructure:"dir"`
		Extensions []string `mapstructure:"extensions"`
	} `mapstructure:"library"`

	Fingerprint struct {
		Watch  bool          `mapstructure:"watch"`
		Settle time.Duration `mapstructure:"settle"`
	} `mapstructure:"fingerprint"`

	Server struct {
		Port        int  `mapstructure:"port"`
		ListenAlong bool `mapstructure:"listen_along"`
	} `mapstructure:"server"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stream.url", "")
	v.SetDefault("stream.ffmpeg", "ffmpeg")

	v.SetDefault("audio.sample_rate", audio.DefaultSampleRate)
	v.SetDefault("audio.channels", audio.DefaultChannels)
	v.SetDefault("audio.sample_width", audio.DefaultSampleWidth)

	v.SetDefault("window.seconds", 25)
	v.SetDefault("window.overlap_seconds", 5)
	v.SetDefault("window.miss_threshold", 2)

	v.SetDefault("matcher.java", "java")
	v.SetDefault("matcher.jar", "panako-2.1-all.jar")
	v.SetDefault("matcher.add_opens", matcher.DefaultAddOpens)
	v.SetDefault("matcher.query_timeout", matcher.DefaultQueryTimeout)
	v.SetDefault("matcher.db_dir", "./panako_db")

	v.SetDefault("library.dir", "./songs")
	v.SetDefault("library.extensions", catalog.DefaultExtensions)

	v.SetDefault("fingerprint.watch", false)
	v.SetDefault("fingerprint.settle", fingerprint.DefaultSettle)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.listen_along", true)
}

// Load reads trackwatch.yaml (or the file named by TRACKWATCH_CONFIG) when
// present, then applies environment overrides and validates the result.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("trackwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		log.Printf("Using config file %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values a session and store job depend on.
func (c Config) Validate() error {
	if err := c.MonitorSettings().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Matcher.Jar == "" {
		return fmt.Errorf("%w: matcher.jar is empty", ErrInvalid)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	return nil
}

// Format is the PCM format requested from the decoder.
func (c Config) Format() audio.Format {
	return audio.Format{
		SampleRate:  c.Audio.SampleRate,
		Channels:    c.Audio.Channels,
		SampleWidth: c.Audio.SampleWidth,
	}
}

// MonitorSettings converts the window section into session settings.
func (c Config) MonitorSettings() monitor.Settings {
	return monitor.Settings{
		Format:        c.Format(),
		Window:        seconds(c.Window.Seconds),
		Overlap:       seconds(c.Window.OverlapSeconds),
		MissThreshold: c.Window.MissThreshold,
		QueryTimeout:  c.Matcher.QueryTimeout,
	}
}

// Decoder returns the decoder configuration for url, or for stream.url
// when url is empty.
func (c Config) Decoder(url string) audio.DecoderConfig {
	if url == "" {
		url = c.Stream.URL
	}
	return audio.DecoderConfig{
		Binary: c.Stream.FFmpeg,
		URL:    url,
		Format: c.Format(),
	}
}

// Panako returns the matcher invocation settings.
func (c Config) Panako() matcher.Panako {
	return matcher.Panako{
		Java:     c.Matcher.Java,
		Jar:      c.Matcher.Jar,
		AddOpens: c.Matcher.AddOpens,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
