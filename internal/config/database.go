package config

// DatabaseConfig holds the Postgres fallback source used when the snapshot
// cache misses. Disabled by default.
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"ENABLED"   json:"enabled"`
	URL      string `mapstructure:"URL"       json:"-"         validate:"required_if=Enabled true"`
	MaxConns int32  `mapstructure:"MAX_CONNS" json:"max_conns" validate:"min=0,max=100"`
}
