// Package config loads and validates the batch run configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full pipeline configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Fallback FallbackConfig `yaml:"fallback" mapstructure:"fallback"`
	Input    InputConfig    `yaml:"input" mapstructure:"input"`
	Window   WindowConfig   `yaml:"window" mapstructure:"window"`
	Load     LoadConfig     `yaml:"load" mapstructure:"load"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	RFM      RFMConfig      `yaml:"rfm" mapstructure:"rfm"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the primary analytical store.
// Port is kept as a string so preflight can report a non-numeric value as a
// violation instead of failing during unmarshal.
type StoreConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     string `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
}

// DSN builds the primary store connection string. Call only after Validate.
func (s StoreConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		url.QueryEscape(s.User), url.QueryEscape(s.Password),
		s.Host, s.Port, s.Database)
}

// FallbackConfig configures the local embedded store used when the primary
// store is unreachable.
type FallbackConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// InputConfig points at the raw tabular sources.
type InputConfig struct {
	BehaviorCSV string `yaml:"behavior_csv" mapstructure:"behavior_csv"`
	ItemsCSV    string `yaml:"items_csv" mapstructure:"items_csv"`
	UsersCSV    string `yaml:"users_csv" mapstructure:"users_csv"`
}

// WindowConfig bounds the analysis window (inclusive calendar days).
type WindowConfig struct {
	Start string `yaml:"start" mapstructure:"start"` // YYYY-MM-DD
	End   string `yaml:"end" mapstructure:"end"`     // YYYY-MM-DD
}

// LoadConfig tunes ingestion behavior.
type LoadConfig struct {
	// MinRows is the sanity floor: a cleaned row count below it aborts the run.
	MinRows int `yaml:"min_rows" mapstructure:"min_rows"`
	// Limit caps the number of behavior rows read (0 = no cap).
	Limit int `yaml:"limit" mapstructure:"limit"`
}

// RetryConfig configures the store write retry ladder.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// InitialBackoff returns the base delay as a duration.
func (r RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMS) * time.Millisecond
}

// MaxBackoff returns the backoff cap as a duration.
func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMS) * time.Millisecond
}

// RFMConfig holds segmentation weights and label thresholds. Maps rather
// than structs so preflight can detect missing keys.
type RFMConfig struct {
	Weights    map[string]float64 `yaml:"weights" mapstructure:"weights"`
	Thresholds map[string]float64 `yaml:"thresholds" mapstructure:"thresholds"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

var requiredWeightKeys = []string{"r", "f", "m"}
var requiredThresholdKeys = []string{"high_r", "high_f", "high_m"}

// Load reads configuration from config.yaml and CLICKSTREAM_* environment
// overrides.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CLICKSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", "5432")
	v.SetDefault("store.user", "default")
	v.SetDefault("store.database", "analytics")
	v.SetDefault("fallback.path", "ecommerce.db")
	v.SetDefault("input.behavior_csv", "UserBehavior.csv")
	v.SetDefault("input.items_csv", "items.csv")
	v.SetDefault("input.users_csv", "users.csv")
	v.SetDefault("window.start", "2017-11-01")
	v.SetDefault("window.end", "2017-12-10")
	v.SetDefault("load.min_rows", 100)
	v.SetDefault("load.limit", 0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("rfm.weights", map[string]float64{"r": -0.2, "f": 0.3, "m": 0.5})
	v.SetDefault("rfm.thresholds", map[string]float64{"high_r": 0.5, "high_f": 0.3, "high_m": 0.3})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate runs the preflight checks and returns every violation found, so
// operators fix one batch of config errors instead of one per run. An empty
// slice means the config is usable; callers must abort before touching any
// store or input when it is not.
func (c *Config) Validate() []string {
	var violations []string

	required := map[string]string{
		"store.host":         c.Store.Host,
		"store.user":         c.Store.User,
		"store.database":     c.Store.Database,
		"fallback.path":      c.Fallback.Path,
		"input.behavior_csv": c.Input.BehaviorCSV,
		"input.items_csv":    c.Input.ItemsCSV,
		"input.users_csv":    c.Input.UsersCSV,
		"window.start":       c.Window.Start,
		"window.end":         c.Window.End,
	}
	// Stable report order.
	for _, key := range []string{
		"store.host", "store.user", "store.database", "fallback.path",
		"input.behavior_csv", "input.items_csv", "input.users_csv",
		"window.start", "window.end",
	} {
		if strings.TrimSpace(required[key]) == "" {
			violations = append(violations, fmt.Sprintf("%q must be a non-empty string", key))
		}
	}

	if port, err := strconv.Atoi(c.Store.Port); err != nil || port <= 0 {
		violations = append(violations, fmt.Sprintf("\"store.port\" must be a positive integer, got %q", c.Store.Port))
	}

	for _, in := range []struct{ key, path string }{
		{"input.behavior_csv", c.Input.BehaviorCSV},
		{"input.items_csv", c.Input.ItemsCSV},
		{"input.users_csv", c.Input.UsersCSV},
	} {
		if in.path == "" {
			continue
		}
		if _, err := os.Stat(in.path); err != nil {
			violations = append(violations, fmt.Sprintf("%q points at a missing file: %s", in.key, in.path))
		}
	}

	for _, d := range []struct{ key, val string }{
		{"window.start", c.Window.Start},
		{"window.end", c.Window.End},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d.val); err != nil {
			violations = append(violations, fmt.Sprintf("%q must be a YYYY-MM-DD date, got %q", d.key, d.val))
		}
	}

	for _, k := range requiredWeightKeys {
		if _, ok := c.RFM.Weights[k]; !ok {
			violations = append(violations, fmt.Sprintf("\"rfm.weights.%s\" must be set to a number", k))
		}
	}
	for _, k := range requiredThresholdKeys {
		if _, ok := c.RFM.Thresholds[k]; !ok {
			violations = append(violations, fmt.Sprintf("\"rfm.thresholds.%s\" must be set to a number", k))
		}
	}

	if c.Load.MinRows < 0 {
		violations = append(violations, fmt.Sprintf("\"load.min_rows\" must not be negative, got %d", c.Load.MinRows))
	}
	if c.Load.Limit < 0 {
		violations = append(violations, fmt.Sprintf("\"load.limit\" must not be negative, got %d", c.Load.Limit))
	}
	if c.Retry.MaxAttempts <= 0 {
		violations = append(violations, fmt.Sprintf("\"retry.max_attempts\" must be positive, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.InitialBackoffMS <= 0 {
		violations = append(violations, fmt.Sprintf("\"retry.initial_backoff_ms\" must be positive, got %d", c.Retry.InitialBackoffMS))
	}
	if c.Retry.Multiplier <= 0 {
		violations = append(violations, fmt.Sprintf("\"retry.multiplier\" must be positive, got %g", c.Retry.Multiplier))
	}

	return violations
}

// WindowBounds parses the analysis window. Call only after Validate.
func (c *Config) WindowBounds() (start, end time.Time, err error) {
	start, err = time.Parse("2006-01-02", c.Window.Start)
	if err != nil {
		return start, end, eris.Wrapf(err, "config: parse window.start %q", c.Window.Start)
	}
	end, err = time.Parse("2006-01-02", c.Window.End)
	if err != nil {
		return start, end, eris.Wrapf(err, "config: parse window.end %q", c.Window.End)
	}
	if end.Before(start) {
		return start, end, eris.Errorf("config: window end %s precedes start %s", c.Window.End, c.Window.Start)
	}
	return start, end, nil
}

// EnsureHadoopShim prepares HADOOP_HOME on Windows hosts. The companion
// Spark backfill jobs refuse to start there without a winutils.exe on disk;
// an empty placeholder is enough for them to initialize. Best effort: any
// failure is logged and ignored, it never blocks preflight.
func EnsureHadoopShim(log *zap.Logger) {
	if runtime.GOOS != "windows" {
		return
	}
	if home := os.Getenv("HADOOP_HOME"); home != "" {
		log.Info("HADOOP_HOME already set", zap.String("path", home))
		return
	}

	home, err := filepath.Abs("hadoop_home")
	if err != nil {
		log.Warn("hadoop shim: resolve path", zap.Error(err))
		return
	}
	bin := filepath.Join(home, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		log.Warn("hadoop shim: create bin dir", zap.Error(err))
		return
	}

	winutils := filepath.Join(bin, "winutils.exe")
	if _, err := os.Stat(winutils); os.IsNotExist(err) {
		f, err := os.Create(winutils)
		if err != nil {
			log.Warn("hadoop shim: create winutils placeholder", zap.Error(err))
			return
		}
		f.Close()
	}

	os.Setenv("HADOOP_HOME", home)
	os.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	log.Info("hadoop environment configured", zap.String("path", home))
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
