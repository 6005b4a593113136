// Package config provides the configuration system for poise
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/bosley/poise/audio"
	poisecli "github.com/bosley/poise/client"
	"github.com/bosley/poise/engine"
	"github.com/bosley/poise/grader"
	poiseserv "github.com/bosley/poise/server"
)

// Config holds the complete application configuration
type Config struct {
	LogLevel string               `mapstructure:"log_level"`
	Engine   engine.Config        `mapstructure:"engine"`
	Analyser audio.AnalyserConfig `mapstructure:"analyser"`
	Server   poiseserv.Config     `mapstructure:"server"`
	Grader   grader.Config        `mapstructure:"grader"`
	Client   poisecli.Config      `mapstructure:"client"`
}

// Default returns a configuration holding every built-in threshold.
func Default() Config {
	return Config{
		LogLevel: "info",
		Engine:   engine.DefaultConfig(),
		Analyser: audio.DefaultAnalyserConfig(),
		Server:   poiseserv.DefaultConfig(),
		Grader:   grader.DefaultConfig(),
		Client:   poisecli.DefaultConfig(),
	}
}

// Load reads configuration from the file at configPath, or from poise.yaml in the working
// directory or $HOME/.config/poise when configPath is empty. A missing default file is not
// an error. Environment variables prefixed with POISE_ override the file, with dots in the
// key replaced by underscores (POISE_SERVER_ADDRESS). The token is also read from POISE_TOKEN.
func Load(configPath string) (Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("POISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("server.token", "POISE_SERVER_TOKEN", "POISE_TOKEN")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("poise")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/poise")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Default()
	// Lists given in the file replace the defaults rather than overlaying them.
	if v.IsSet("engine.greetings") {
		cfg.Engine.Greetings = nil
	}
	if v.IsSet("grader.allowed_origins") {
		cfg.Grader.AllowedOrigins = nil
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key of Default() so AutomaticEnv can override any of them,
// e.g. POISE_ENGINE_GATE_MIN_DURATION. Lists are left out; they come from the file only.
func setDefaults(v *viper.Viper) {
	registerKeys(v, "", reflect.ValueOf(Default()))
}

func registerKeys(v *viper.Viper, prefix string, val reflect.Value) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if !field.IsExported() || tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		fv := val.Field(i)
		switch fv.Kind() {
		case reflect.Struct:
			registerKeys(v, key, fv)
		case reflect.Slice, reflect.Map:
		default:
			v.SetDefault(key, fv.Interface())
		}
	}
}

// Level returns the configured slog level.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Validate rejects values that would make the engine or services misbehave
func (c Config) Validate() error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	a := c.Engine.Audio
	if a.PitchMinHz <= 0 || a.PitchMinHz >= a.PitchMaxHz {
		return fmt.Errorf("invalid pitch range: %v..%v Hz", a.PitchMinHz, a.PitchMaxHz)
	}
	if a.PitchSaneMinHz >= a.PitchSaneMaxHz {
		return fmt.Errorf("invalid pitch sanity range: %v..%v Hz", a.PitchSaneMinHz, a.PitchSaneMaxHz)
	}
	if a.LowSplit <= 0 || a.LowSplit >= a.MidSplit || a.MidSplit >= 1 {
		return fmt.Errorf("invalid spectral splits: low %v, mid %v", a.LowSplit, a.MidSplit)
	}

	vis := c.Engine.Visual
	if vis.SmileBand.Low >= vis.SmileBand.High {
		return fmt.Errorf("invalid smile band: %v..%v", vis.SmileBand.Low, vis.SmileBand.High)
	}
	if vis.EyeBand.Low >= vis.EyeBand.High {
		return fmt.Errorf("invalid eye band: %v..%v", vis.EyeBand.Low, vis.EyeBand.High)
	}
	if vis.ForwardSpan <= 0 || vis.GazeSpan <= 0 {
		return fmt.Errorf("face forward and gaze spans must be positive")
	}

	agg := c.Engine.Aggregate
	if agg.FirstWindow <= 0 || agg.MaxGap <= 0 {
		return fmt.Errorf("first window and max gap must be positive")
	}
	if agg.BlinkLow >= agg.BlinkHigh {
		return fmt.Errorf("invalid blink thresholds: low %v must be below high %v", agg.BlinkLow, agg.BlinkHigh)
	}
	if agg.SpeechFloor < 0 || agg.SpeechFloor >= 1 {
		return fmt.Errorf("invalid speech floor: %v", agg.SpeechFloor)
	}

	gate := c.Engine.Gate
	if gate.MinDuration < 0 || gate.MinSpeech < 0 || gate.MinFace < 0 {
		return fmt.Errorf("gate thresholds must not be negative")
	}
	if t := c.Engine.Score.StrongThreshold; t < 0 || t > 1 {
		return fmt.Errorf("invalid strong threshold: %v", t)
	}

	an := c.Analyser
	if an.FFTSize < 32 || bits.OnesCount(uint(an.FFTSize)) != 1 {
		return fmt.Errorf("invalid FFT size: %d (must be a power of two, at least 32)", an.FFTSize)
	}
	if an.Interval <= 0 {
		return fmt.Errorf("analyser interval must be positive")
	}
	if an.Smoothing < 0 || an.Smoothing >= 1 {
		return fmt.Errorf("invalid analyser smoothing: %v", an.Smoothing)
	}
	if an.MinDecibels >= an.MaxDecibels {
		return fmt.Errorf("invalid decibel range: %v..%v", an.MinDecibels, an.MaxDecibels)
	}

	if c.Server.SampleRate <= 0 {
		return fmt.Errorf("server sample rate must be positive")
	}
	if c.Server.MinSession < 0 {
		return fmt.Errorf("server min session must not be negative")
	}
	if c.Grader.Workers <= 0 {
		return fmt.Errorf("grader workers must be positive")
	}
	if c.Client.SampleRate <= 0 || c.Client.FramesPerBuffer <= 0 {
		return fmt.Errorf("client sample rate and frames per buffer must be positive")
	}
	if c.Client.MaxDuration <= 0 {
		return fmt.Errorf("client max duration must be positive")
	}

	return nil
}
