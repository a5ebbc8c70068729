/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package simconfig loads the narrow set of engine-wide tunables the NIC
// protocol core reads at start-up, the way the teacher's ingesters load
// their declarative INI config: defaults are set in code first, then an
// optional file (parsed with gcfg, the teacher's own fork) overrides them.
package simconfig

import (
	"github.com/gravwell/gcfg"
)

// Global holds the process-wide tunables of the governing specification's
// configuration table, plus the narrow original_source supplement that
// directly affects in-scope components (quick_acks semantics and the
// flow-control caps).
type Global struct {
	MaxRetries           int     `gcfg:"max-retries"`
	RetryTimeoutSeconds  float64 `gcfg:"retry-timeout"`
	UseRealMemory        bool    `gcfg:"use-real-memory"`
	ModelPCI             bool    `gcfg:"model-pci"`
	ModelPCICommands     bool    `gcfg:"model-pci-commands"`
	E2EOff               bool    `gcfg:"e2e-off"`
	MaxMemcpy            int64   `gcfg:"max-memcpy"`
	QuickAcks            bool    `gcfg:"quick-acks"`
	MaxInflightToTarget  int     `gcfg:"max-inflight-to-target"`
	MaxInflightToProcess int     `gcfg:"max-inflight-to-process"`

	CommandQueueCapacity int `gcfg:"command-queue-capacity"`
	E2EEntryPoolCapacity int `gcfg:"e2e-entry-pool-capacity"`
}

// fileShape mirrors the on-disk [engine] section; gcfg requires exported
// nested structs keyed by section name.
type fileShape struct {
	Engine Global
}

// Default returns the hard-coded defaults every node is runnable with even
// when no config file is parsed, matching the values named in the
// governing specification's configuration table.
func Default() Global {
	return Global{
		MaxRetries:           5,
		RetryTimeoutSeconds:  10,
		UseRealMemory:        true,
		ModelPCI:             true,
		ModelPCICommands:     true,
		E2EOff:               false,
		MaxMemcpy:            -1,
		QuickAcks:            false,
		MaxInflightToTarget:  0,
		MaxInflightToProcess: 0,
		CommandQueueCapacity: 16,
		E2EEntryPoolCapacity: 8192,
	}
}

// Load hydrates Default() with overrides from an INI-style file at path.
func Load(path string) (Global, error) {
	cfg := Default()
	fs := fileShape{Engine: cfg}
	if err := gcfg.ReadFileInto(&fs, path); err != nil {
		return cfg, err
	}
	return fs.Engine, nil
}

// LoadString is Load's counterpart for inline config text, used by tests
// that want an overridden tunable without touching the filesystem.
func LoadString(contents string) (Global, error) {
	cfg := Default()
	fs := fileShape{Engine: cfg}
	if err := gcfg.ReadStringInto(&fs, contents); err != nil {
		return cfg, err
	}
	return fs.Engine, nil
}
