package config

import "time"

// CacheConfig holds the Redis battle snapshot cache settings.
type CacheConfig struct {
	Enabled       bool          `mapstructure:"ENABLED"        json:"enabled"`
	Address       string        `mapstructure:"ADDRESS"        json:"address"        validate:"required_if=Enabled true,omitempty,hostname_port"`
	Password      string        `mapstructure:"PASSWORD"       json:"-"`
	DB            int           `mapstructure:"DB"             json:"db"             validate:"min=0,max=15"`
	Prefix        string        `mapstructure:"PREFIX"         json:"prefix"         validate:"max=64"`
	StateTTL      time.Duration `mapstructure:"STATE_TTL"      json:"state_ttl"      validate:"required,reasonable_duration"`
	HistoryLength int           `mapstructure:"HISTORY_LENGTH" json:"history_length" validate:"min=0,max=10000"`
	HistoryTTL    time.Duration `mapstructure:"HISTORY_TTL"    json:"history_ttl"    validate:"required,reasonable_duration"`
	Freshness     time.Duration `mapstructure:"FRESHNESS"      json:"freshness"      validate:"min=0"`
}
