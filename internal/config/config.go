package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

// EnvPrefix prefixes every environment override, e.g. ARENA_SYNC_SYNC_ENDPOINT.
const EnvPrefix = "ARENA_SYNC"

var validate = validator.New()

// Config holds every sub-config.
type Config struct {
	Sync     SyncConfig     `mapstructure:"SYNC"     validate:"required"`
	Store    StoreConfig    `mapstructure:"STORE"    validate:"required"`
	Cache    CacheConfig    `mapstructure:"CACHE"    validate:"required"`
	Database DatabaseConfig `mapstructure:"DATABASE" validate:"required"`
	Logging  LoggingConfig  `mapstructure:"LOGGING"  validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"METRICS"  validate:"required"`
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(performCrossFieldValidation, Config{})
}

func registerCustomValidators() {
	// ws:// or wss:// URL with a host
	if err := validate.RegisterValidation("wsurl", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil {
			return false
		}
		return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
	}); err != nil {
		logger.L().Error("Failed to register wsurl validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(time.Duration)
		return ok && d >= time.Second && d <= 7*24*time.Hour
	}); err != nil {
		logger.L().Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(time.Duration)
		return ok && d >= time.Millisecond && d <= time.Hour
	}); err != nil {
		logger.L().Error("Failed to register timeout_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	}); err != nil {
		logger.L().Error("Failed to register log_level validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.L().Error("Failed to register log_format validator", zap.Error(err))
	}

	// standard five-field spec or a descriptor such as "@every 5m"
	if err := validate.RegisterValidation("cron_spec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	}); err != nil {
		logger.L().Error("Failed to register cron_spec validator", zap.Error(err))
	}
}

func performCrossFieldValidation(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Sync.MaxReconnectDelay < cfg.Sync.BaseReconnectDelay {
		sl.ReportError(cfg.Sync.MaxReconnectDelay, "MaxReconnectDelay", "MaxReconnectDelay", "delay_order", "")
	}
	if cfg.Sync.ProbeTimeout >= cfg.Sync.ProbeInterval {
		sl.ReportError(cfg.Sync.ProbeTimeout, "ProbeTimeout", "ProbeTimeout", "probe_timeout_too_long", "")
	}
	if cfg.Cache.Enabled && cfg.Cache.Freshness > cfg.Cache.StateTTL {
		sl.ReportError(cfg.Cache.Freshness, "Freshness", "Freshness", "freshness_exceeds_ttl", "")
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the web client reads its endpoint from METEOR_URL; honour it here too
	_ = v.BindEnv("SYNC.ENDPOINT", EnvPrefix+"_SYNC_ENDPOINT", "METEOR_URL")

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("arena-sync")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err == nil && log != nil {
			log.Info("Loaded arena-sync.yaml from current directory")
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
			zap.String("endpoint", cfg.Sync.Endpoint),
		)
	}
	return &cfg, nil
}

// Validate checks cfg against field rules and cross-field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(*cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// InitLogger initializes the package logger from the logging section.
func InitLogger(lc LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(lc.Level),
		logger.WithFormat(lc.Format),
		logger.WithFile(lc.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("arena-sync"),
		logger.WithRotation(lc.MaxSize, lc.MaxBackups, lc.MaxAge),
	)
}

// formatValidationError converts validator errors into a ConfigurationError
// naming every offending field, with one readable line per failure.
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		fields := make([]string, 0, len(validationErrors))
		messages := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			fields = append(fields, fieldError.Namespace())
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return apperrors.ConfigurationError(strings.Join(fields, ", "), "validation failed").
			WithDetails("\n  - " + strings.Join(messages, "\n  - "))
	}
	return apperrors.ConfigurationError("config", err.Error())
}

func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, param)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "hostname_port":
		return fmt.Sprintf("%s must be in host:port form (got: %v)", field, value)
	case "wsurl":
		return fmt.Sprintf("%s must be a ws:// or wss:// URL (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 7 days (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 1ms and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "cron_spec":
		return fmt.Sprintf("%s must be a cron expression or descriptor like '@every 5m' (got: %v)", field, value)
	case "delay_order":
		return fmt.Sprintf("%s must not be shorter than the base reconnect delay", field)
	case "probe_timeout_too_long":
		return fmt.Sprintf("%s must be shorter than the probe interval", field)
	case "freshness_exceeds_ttl":
		return fmt.Sprintf("%s must not exceed the cache state TTL", field)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
