// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package logger provides component-tagged structured logging on top of
// zerolog. Call sites pass a component name and a field map rather than
// building zerolog events directly, keeping log call sites terse.
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// Configure replaces the global logger's output and level. Call once at
// startup after config is loaded.
func Configure(w io.Writer, level string, jsonOutput bool) {
	mu.Lock()
	defer mu.Unlock()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	if jsonOutput {
		log = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
			With().Timestamp().Logger().Level(lvl)
	}
}

func withFields(ev *zerolog.Event, component string, fields map[string]interface{}) *zerolog.Event {
	ev = ev.Str("component", component)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}

// DebugCF logs a debug-level message tagged with a component and fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	withFields(log.Debug(), component, fields).Msg(msg)
}

// InfoCF logs an info-level message tagged with a component and fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	withFields(log.Info(), component, fields).Msg(msg)
}

// WarnCF logs a warn-level message tagged with a component and fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	withFields(log.Warn(), component, fields).Msg(msg)
}

// ErrorCF logs an error-level message tagged with a component and fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	withFields(log.Error(), component, fields).Msg(msg)
}

// Info logs a plain info message with no component tag, for startup banners.
func Info(msg string) {
	mu.RLock()
	defer mu.RUnlock()
	log.Info().Msg(msg)
}

// Fatal logs an error and exits with status 1. Used only for init failures
// that the spec requires to surface as a non-zero exit code (§6).
func Fatal(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	ev := withFields(log.Error(), component, fields)
	mu.RUnlock()
	ev.Msg(msg)
	os.Exit(1)
}
