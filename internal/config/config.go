// Copyright © 2024 PackWisely Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the patcher's TOML configuration file, in the same
// shape and with the same required-field convention as the teacher's own
// builder.conf loader.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// PatcherConfig is the top-level configuration document, normally loaded
// from patcher.conf.
type PatcherConfig struct {
	Patch  patchConf  `toml:"Patch"`
	Server serverConf `toml:"Server"`
}

type patchConf struct {
	RootURL    string `required:"true" toml:"ROOT_URL"`
	InstallDir string `required:"true" toml:"INSTALL_DIR"`
}

type serverConf struct {
	NumDeltaWorkers int `required:"false" toml:"NUM_DELTA_WORKERS"`
}

const assetsPrefix = "assets/PackWisely"

// RootURL returns the configured root URL with the fixed
// "assets/PackWisely" path segment appended, matching the URL layout every
// Catalog lookup expects.
func (c *PatcherConfig) RootURL() (string, error) {
	if c.Patch.RootURL == "" {
		return "", errors.New("no root URL configured")
	}
	base := c.Patch.RootURL
	if base[len(base)-1] != '/' {
		base += "/"
	}
	return base + assetsPrefix, nil
}

// LoadDefaults sets sane values before a file is loaded over them.
func (c *PatcherConfig) LoadDefaults() {
	c.Server.NumDeltaWorkers = 1
}

// Load reads and parses a PatcherConfig from path. Missing required fields
// (ROOT_URL, INSTALL_DIR) are rejected once the document is parsed.
func Load(path string) (*PatcherConfig, error) {
	var c PatcherConfig
	c.LoadDefaults()

	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	if c.Patch.RootURL == "" {
		return nil, errors.Errorf("%s: missing required field Patch.ROOT_URL", path)
	}
	if c.Patch.InstallDir == "" {
		return nil, errors.Errorf("%s: missing required field Patch.INSTALL_DIR", path)
	}
	return &c, nil
}

// Save writes c to path as TOML, creating parent directories as needed.
func (c *PatcherConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	w, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	enc := toml.NewEncoder(w)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return w.Close()
}
