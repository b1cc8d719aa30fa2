// config.go - Tool configuration.
// Copyright (C) 2018  intelliBrain.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the TOML configuration of the bundled tooling.
// The core client is configured programmatically via client.Config; this
// package only maps a config file onto it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/intelliBrain/messagewire/client"
	"github.com/intelliBrain/messagewire/core/log"
)

// Wire is the peer connection section.
type Wire struct {
	// Endpoint is the peer defined connection string.
	Endpoint string

	// Identity is the optional identity name; secured mode requires both
	// Identity and IdentitySecret.
	Identity string

	// IdentitySecret is the optional identity secret.
	IdentitySecret string

	// HeartBeatMs is the heartbeat period in milliseconds.
	HeartBeatMs int
}

func (w *Wire) validate() error {
	if w.Endpoint == "" {
		return fmt.Errorf("config: Wire: missing Endpoint")
	}
	if w.HeartBeatMs < 0 {
		return fmt.Errorf("config: Wire: negative HeartBeatMs")
	}
	return nil
}

// Logging is the logging configuration section.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (l *Logging) validate() error {
	if _, err := log.New("", l.Level, true); err != nil {
		return fmt.Errorf("config: Logging: %v", err)
	}
	return nil
}

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

const defaultLogLevel = "NOTICE"

// Config is the tool configuration.
type Config struct {
	Wire    *Wire
	Logging *Logging
}

// FixupAndValidate applies defaults to missing sections and validates the
// configuration.
func (c *Config) FixupAndValidate() error {
	if c.Wire == nil {
		return fmt.Errorf("config: missing Wire section")
	}
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if err := c.Wire.validate(); err != nil {
		return err
	}
	return c.Logging.validate()
}

// ClientConfig maps the configuration onto a client.Config.
func (c *Config) ClientConfig() (*client.Config, error) {
	backend, err := log.New(c.Logging.File, c.Logging.Level, c.Logging.Disable)
	if err != nil {
		return nil, err
	}
	return &client.Config{
		Endpoint:          c.Wire.Endpoint,
		Identity:          c.Wire.Identity,
		IdentitySecret:    c.Wire.IdentitySecret,
		LogBackend:        backend,
		HeartBeatInterval: time.Duration(c.Wire.HeartBeatMs) * time.Millisecond,
	}, nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
