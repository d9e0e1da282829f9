// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package utils holds small string helpers shared across the orchestrator
// that don't warrant their own package (log-preview truncation, filename
// sanitization for persisted artifacts).
package utils

import (
	"regexp"
	"strings"
)

// Truncate returns s unchanged if it fits within max runes, otherwise the
// first max runes followed by an ellipsis. Used for log previews, never for
// persisted history (which uses the per-tool byte limits in pkg/constants
// instead).
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeFilename replaces characters unsafe for a filesystem path
// component with underscores so session keys, specialist names, and other
// user/channel-derived strings can be used directly as file or directory
// names.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "_"
	}
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}
