/*
 * Copyright (c) 2021 Gilles Chehade <gilles@poolp.org>
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

// Package config loads and saves beak.conf, the per-user file naming backup
// rules and where their segments are stored.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Rule ties one origin directory to the storages its snapshots go to.
type Rule struct {
	Origin   string   `yaml:"origin"`
	Storages []string `yaml:"storages"`
}

type Configuration struct {
	Rules map[string]Rule `yaml:"rules"`
}

func New() *Configuration {
	return &Configuration{
		Rules: make(map[string]Rule),
	}
}

// Load reads the configuration file; a missing file yields an empty
// configuration, not an error.
func Load(filePath string) (*Configuration, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, err
	}
	cfg := New()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filePath, err)
	}
	if cfg.Rules == nil {
		cfg.Rules = make(map[string]Rule)
	}
	return cfg, nil
}

func (c *Configuration) Save(filePath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0o600)
}

// Rule resolves a rule by name.
func (c *Configuration) Rule(name string) (Rule, bool) {
	r, ok := c.Rules[name]
	return r, ok
}
