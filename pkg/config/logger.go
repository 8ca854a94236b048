// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"github.com/sirupsen/logrus"
)

// Default the daemon's log level to Warn, rather than logrus's default of
// Info, which is noisy for a long-lived control loop.
var defaultLevel = logrus.WarnLevel

// NewLogger builds the daemon's root logger from the configured level
// string, falling back to the default on an unparseable value rather than
// failing startup over a logging typo.
func NewLogger(levelStr string) *logrus.Entry {
	level := defaultLevel
	if levelStr != "" {
		if parsed, err := logrus.ParseLevel(levelStr); err == nil {
			level = parsed
		}
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return logger.WithField("source", "zoned")
}
