// nostrdm - A Nostr direct message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package dmsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Relays are the relay URLs queried and subscribed to. At least one is
	// required.
	Relays []string `yaml:"relays"`

	// DisableSealed turns off the sealed protocol for the session even when
	// the signer supports it. Conversations that exist purely through the
	// sealed protocol disappear from discovery while disabled.
	DisableSealed bool `yaml:"disable_sealed"`

	// LogLevel is a zerolog level name ("debug", "info", ...). Empty means
	// "info".
	LogLevel string `yaml:"log_level"`
}

func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) PostProcess() error {
	if len(c.Relays) == 0 {
		return fmt.Errorf("config: at least one relay is required")
	}
	for _, url := range c.Relays {
		if url == "" {
			return fmt.Errorf("config: empty relay URL")
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: bad log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// WatchConfig watches the config file and invokes onChange with each newly
// valid version until ctx is done. Invalid intermediate writes are logged
// and skipped, keeping the previous config active. The watch is placed on
// the parent directory so editors that replace the file atomically are
// still observed.
func WatchConfig(ctx context.Context, path string, log zerolog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					log.Warn().Err(err).Msg("Ignoring invalid config update")
					continue
				}
				log.Info().Int("relays", len(cfg.Relays)).Msg("Config reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return nil
}
