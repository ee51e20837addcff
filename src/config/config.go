// Package config defines the engine's configuration surface: data
// directory, transport and service addresses, node tuning, and logger
// construction.
package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/meshforge/lockstep/src/common"
	"github.com/meshforge/lockstep/src/node"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultJournalFile is the default name of the folder containing the
	// Badger match journal.
	DefaultJournalFile = "journal_db"

	// DefaultLogFile is the default name of the debug log file.
	DefaultLogFile = "lockstep.log"
)

// Default configuration values.
const (
	DefaultLogLevel    = "debug"
	DefaultBindAddr    = "127.0.0.1:1337"
	DefaultServiceAddr = "127.0.0.1:8000"
	DefaultTransport   = "tcp"
)

// Config contains all the configuration properties of a lockstep node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port where this node talks to other
	// nodes.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to
	// other nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// Transport selects the wire transport: "tcp", "ws", or "inmem".
	Transport string `mapstructure:"transport"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// NodeID is this peer's identifier. When empty, a fresh UUID is
	// generated at startup.
	NodeID string `mapstructure:"node-id"`

	// Journal activates the persistent match journal.
	Journal bool `mapstructure:"journal"`

	// JournalDir is the directory containing the journal database.
	JournalDir string `mapstructure:"journal-dir"`

	// LogToFile mirrors log output into DataDir/lockstep.log.
	LogToFile bool `mapstructure:"log-to-file"`

	// NodeConfig carries the engine tuning parameters.
	NodeConfig node.Config `mapstructure:",squash"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:     DefaultDataDir(),
		LogLevel:    DefaultLogLevel,
		BindAddr:    DefaultBindAddr,
		ServiceAddr: DefaultServiceAddr,
		Transport:   DefaultTransport,
		JournalDir:  DefaultJournalDir(),
		NodeConfig:  *node.DefaultConfig(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t *testing.T) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level directory, and updates the journal
// directory if it is currently set to the default value.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.JournalDir == DefaultJournalDir() {
		c.JournalDir = filepath.Join(dataDir, DefaultJournalFile)
	}
}

// Logger returns the configured logrus Logger, building it on first use:
// prefixed text formatter, level from LogLevel, and an optional lfshook
// mirror into the data directory.
func (c *Config) Logger() *logrus.Logger {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogToFile {
			logPath := filepath.Join(c.DataDir, DefaultLogFile)
			if _, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666); err != nil {
				c.logger.WithError(err).Warn("cannot open log file, logging to stderr only")
			} else {
				c.logger.Hooks.Add(lfshook.NewHook(
					lfshook.PathMap{
						logrus.InfoLevel:  logPath,
						logrus.WarnLevel:  logPath,
						logrus.ErrorLevel: logPath,
						logrus.DebugLevel: logPath,
					},
					&logrus.TextFormatter{},
				))
			}
		}
	}
	return c.logger
}

// DefaultJournalDir returns the default path for the journal database.
func DefaultJournalDir() string {
	return filepath.Join(DefaultDataDir(), DefaultJournalFile)
}

// DefaultDataDir returns the default directory name for top-level config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Lockstep")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Lockstep")
		} else {
			return filepath.Join(home, ".lockstep")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
