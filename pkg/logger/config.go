// Package logger configures global logrus state and keeps an in-memory ring
// of recent log entries for the logs API.
package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Config is the configuration of the logger.
type Config struct {
	Level string `json:"level"`
	Color bool   `json:"color"`
}

// DefaultConfig returns the default configuration of the logger.
func DefaultConfig() *Config {
	return &Config{
		Level: "info",
		Color: true,
	}
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return []error{err}
	}
	return nil
}

// SetLogrus sets logrus globally.
func SetLogrus(c Config) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		panic(fmt.Sprintf("invalid log level: %s", c.Level))
	}

	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
		DisableColors: !c.Color,
	})
}
