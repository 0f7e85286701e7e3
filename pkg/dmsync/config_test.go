// nostrdm - A Nostr direct message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dmsync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "relays:\n  - wss://relay.example.com\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, []string{"wss://relay.example.com"}, cfg.Relays)
	require.Equal(t, "info", cfg.LogLevel)
	require.False(t, cfg.DisableSealed)
}

func TestLoadConfigRequiresRelays(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsBadLevel(t *testing.T) {
	path := writeConfig(t, "relays: [wss://r.example.com]\nlog_level: shouting\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
