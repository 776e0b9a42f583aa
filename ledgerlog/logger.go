// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package ledgerlog provides the process-wide structured logger used by
// every package in this repository. It deliberately has no default: a
// fresh process must call Set before any code path calls Instance.
package ledgerlog

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var instance atomic.Value // holds *zap.SugaredLogger

// New builds the default production logger: JSON encoding, ISO8601
// timestamps, stack traces on error level and above.
func New() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

// Set installs logger as the process-wide instance.
func Set(logger *zap.SugaredLogger) {
	instance.Store(logger)
}

// Instance returns the process-wide logger. It panics if Set has not
// been called yet, the same way an un-dialed database handle would.
func Instance() *zap.SugaredLogger {
	v := instance.Load()
	if v == nil {
		panic("ledgerlog: Instance() called before Set()")
	}
	return v.(*zap.SugaredLogger)
}

// I is shorthand for Instance, matching the call-site style used
// throughout this repository.
func I() *zap.SugaredLogger { return Instance() }
