// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config loads and validates the hub configuration from a YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Configuration struct {
	// Listen is the address the HTTP/WebSocket server binds to.
	Listen string `yaml:"listen"`
	// DatabaseDSN is the Postgres connection string.
	DatabaseDSN string `yaml:"database"`
	// JWTSecret is the HMAC secret used to verify bearer tokens.
	JWTSecret string `yaml:"jwtSecret"`
	// StorageDir is where uploaded file content lives.
	StorageDir string `yaml:"storageDir"`

	Hub      HubConfiguration      `yaml:"hub"`
	Transfer TransferConfiguration `yaml:"transfer"`
}

type HubConfiguration struct {
	// PingInterval is how often the server probes idle connections.
	PingInterval time.Duration `yaml:"pingInterval"`
	// ReadTimeout is the idle deadline on client sockets. Must be larger
	// than PingInterval.
	ReadTimeout time.Duration `yaml:"readTimeout"`
	// WriteTimeout is the per-message write deadline.
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	// SendQueueLen is the per-connection outbound message buffer.
	SendQueueLen int `yaml:"sendQueueLen"`
	// MessageRate is the per-connection inbound message rate limit,
	// in messages per second. MessageBurst is the burst allowance.
	MessageRate  float64 `yaml:"messageRate"`
	MessageBurst int     `yaml:"messageBurst"`
}

type TransferConfiguration struct {
	// ChunkSize is the payload size of a single file chunk frame.
	ChunkSize int `yaml:"chunkSize"`
	// Channels is the number of parallel data channels per session.
	Channels int `yaml:"channels"`
	// HighWatermark pauses the sender when aggregate buffered bytes
	// exceed it; LowWatermark resumes it.
	HighWatermark uint64 `yaml:"highWatermark"`
	LowWatermark  uint64 `yaml:"lowWatermark"`
}

// Default returns the baseline configuration. Loaded files and environment
// variables override it.
func Default() Configuration {
	return Configuration{
		Listen:     ":8090",
		StorageDir: "data",
		Hub: HubConfiguration{
			PingInterval: 30 * time.Second,
			ReadTimeout:  75 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendQueueLen: 64,
			MessageRate:  50,
			MessageBurst: 100,
		},
		Transfer: TransferConfiguration{
			ChunkSize:     64 << 10,
			Channels:      4,
			HighWatermark: 16 << 20,
			LowWatermark:  4 << 20,
		},
	}
}

// Load reads the configuration file at path, if it exists, and applies
// FLUX_* environment overrides on top of the defaults.
func Load(path string) (Configuration, error) {
	cfg := Default()

	if path != "" {
		bs, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(bs, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Configuration) {
	if v := os.Getenv("FLUX_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("FLUX_DB_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("FLUX_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("FLUX_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
}

func (cfg Configuration) validate() error {
	if cfg.Hub.ReadTimeout <= cfg.Hub.PingInterval {
		return fmt.Errorf("hub.readTimeout (%v) must exceed hub.pingInterval (%v)", cfg.Hub.ReadTimeout, cfg.Hub.PingInterval)
	}
	if cfg.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunkSize must be positive")
	}
	if cfg.Transfer.Channels <= 0 {
		return fmt.Errorf("transfer.channels must be positive")
	}
	if cfg.Transfer.LowWatermark >= cfg.Transfer.HighWatermark {
		return fmt.Errorf("transfer.lowWatermark must be below transfer.highWatermark")
	}
	return nil
}
