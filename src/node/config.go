package node

import (
	"testing"
	"time"

	"github.com/meshforge/lockstep/src/common"
	"github.com/sirupsen/logrus"
)

// Config ...
type Config struct {
	TickRate            int           `mapstructure:"tick-rate"`
	MaxPredictionFrames int           `mapstructure:"max-prediction-frames"`
	InputDelayFrames    int           `mapstructure:"input-delay-frames"`
	SendersPerPartition int           `mapstructure:"senders-per-partition"`
	SnapshotInterval    int           `mapstructure:"snapshot-interval"`
	HashWindow          uint64        `mapstructure:"hash-window"`
	AckWindow           uint64        `mapstructure:"ack-window"`
	PingInterval        uint64        `mapstructure:"ping-interval"`
	ResyncTimeout       time.Duration `mapstructure:"resync-timeout"`
	ResyncRetries       int           `mapstructure:"resync-retries"`
	Logger              *logrus.Logger
}

// NewConfig ...
func NewConfig(
	tickRate int,
	maxPredictionFrames int,
	inputDelayFrames int,
	logger *logrus.Logger,
) *Config {
	conf := DefaultConfig()
	conf.TickRate = tickRate
	conf.MaxPredictionFrames = maxPredictionFrames
	conf.InputDelayFrames = inputDelayFrames
	conf.Logger = logger
	return conf
}

// DefaultConfig ...
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		TickRate:            20,
		MaxPredictionFrames: 10,
		InputDelayFrames:    2,
		SendersPerPartition: 2,
		SnapshotInterval:    1,
		HashWindow:          32,
		AckWindow:           3,
		PingInterval:        20,
		ResyncTimeout:       5 * time.Second,
		ResyncRetries:       3,
		Logger:              logger,
	}
}

// TestConfig ...
func TestConfig(t *testing.T) *Config {
	config := DefaultConfig()
	config.Logger = common.NewTestLogger(t)
	return config
}

// TickInterval returns the nominal frame duration.
func (c *Config) TickInterval() time.Duration {
	rate := c.TickRate
	if rate <= 0 {
		rate = 20
	}
	return time.Second / time.Duration(rate)
}
