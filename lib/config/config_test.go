// Copyright (C) 2025 The FluxDrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if err := cfg.validate(); err != nil {
		t.Fatal("defaults must validate:", err)
	}
	if cfg.Transfer.ChunkSize != 64<<10 {
		t.Error("unexpected default chunk size", cfg.Transfer.ChunkSize)
	}
	if cfg.Transfer.Channels != 4 {
		t.Error("unexpected default channel count", cfg.Transfer.Channels)
	}
	if cfg.Hub.ReadTimeout <= cfg.Hub.PingInterval {
		t.Error("read timeout must exceed ping interval")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flux.yaml")
	data := `
listen: ":9999"
jwtSecret: filesecret
hub:
  pingInterval: 10s
  readTimeout: 25s
transfer:
  channels: 8
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9999" {
		t.Error("listen not loaded:", cfg.Listen)
	}
	if cfg.Hub.PingInterval != 10*time.Second {
		t.Error("pingInterval not loaded:", cfg.Hub.PingInterval)
	}
	if cfg.Transfer.Channels != 8 {
		t.Error("channels not loaded:", cfg.Transfer.Channels)
	}
	// Untouched values keep their defaults.
	if cfg.Hub.WriteTimeout != Default().Hub.WriteTimeout {
		t.Error("writeTimeout should keep its default")
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatal("a missing config file is not an error:", err)
	}
	if cfg.Listen != Default().Listen {
		t.Error("missing file should yield defaults")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLUX_LISTEN", ":7777")
	t.Setenv("FLUX_JWT_SECRET", "envsecret")
	t.Setenv("FLUX_DB_DSN", "postgres://env/flux")
	t.Setenv("FLUX_STORAGE_DIR", "/srv/flux")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":7777" {
		t.Error("FLUX_LISTEN not applied:", cfg.Listen)
	}
	if cfg.JWTSecret != "envsecret" {
		t.Error("FLUX_JWT_SECRET not applied")
	}
	if cfg.DatabaseDSN != "postgres://env/flux" {
		t.Error("FLUX_DB_DSN not applied")
	}
	if cfg.StorageDir != "/srv/flux" {
		t.Error("FLUX_STORAGE_DIR not applied")
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"read timeout below ping interval", func(c *Configuration) {
			c.Hub.ReadTimeout = c.Hub.PingInterval / 2
		}},
		{"non-positive chunk size", func(c *Configuration) {
			c.Transfer.ChunkSize = 0
		}},
		{"non-positive channels", func(c *Configuration) {
			c.Transfer.Channels = 0
		}},
		{"low watermark above high", func(c *Configuration) {
			c.Transfer.LowWatermark = c.Transfer.HighWatermark + 1
		}},
	}

	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.validate(); err == nil {
			t.Errorf("%s: expected a validation error", tc.name)
		}
	}
}
