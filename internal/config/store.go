package config

import "time"

// StoreConfig controls local document eviction and background workers.
type StoreConfig struct {
	SweepSchedule string        `mapstructure:"SWEEP_SCHEDULE" json:"sweep_schedule" validate:"omitempty,cron_spec"`
	MaxEntryAge   time.Duration `mapstructure:"MAX_ENTRY_AGE"  json:"max_entry_age"  validate:"min=0"`
	Workers       int           `mapstructure:"WORKERS"        json:"workers"        validate:"required,min=1,max=64"`
	QueueSize     int           `mapstructure:"QUEUE_SIZE"     json:"queue_size"     validate:"required,min=1,max=100000"`
}
