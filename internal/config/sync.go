package config

import "time"

// SyncConfig holds connection, reconnect and latency probe settings.
type SyncConfig struct {
	Endpoint             string        `mapstructure:"ENDPOINT"               json:"endpoint"               validate:"required,wsurl"`
	DialTimeout          time.Duration `mapstructure:"DIAL_TIMEOUT"           json:"dial_timeout"           validate:"required,timeout_duration"`
	BaseReconnectDelay   time.Duration `mapstructure:"BASE_RECONNECT_DELAY"   json:"base_reconnect_delay"   validate:"required,min=1ms"`
	MaxReconnectDelay    time.Duration `mapstructure:"MAX_RECONNECT_DELAY"    json:"max_reconnect_delay"    validate:"required,min=1ms"`
	MaxReconnectAttempts int           `mapstructure:"MAX_RECONNECT_ATTEMPTS" json:"max_reconnect_attempts" validate:"min=0,max=1000"`
	CallTimeout          time.Duration `mapstructure:"CALL_TIMEOUT"           json:"call_timeout"           validate:"required,timeout_duration"`
	MaxCallsPerSecond    float64       `mapstructure:"MAX_CALLS_PER_SECOND"   json:"max_calls_per_second"   validate:"min=0"`
	CallBurst            int           `mapstructure:"CALL_BURST"             json:"call_burst"             validate:"min=0,max=10000"`
	ProbeInterval        time.Duration `mapstructure:"PROBE_INTERVAL"         json:"probe_interval"         validate:"required,timeout_duration"`
	ProbeTimeout         time.Duration `mapstructure:"PROBE_TIMEOUT"          json:"probe_timeout"          validate:"required,timeout_duration"`
}
