/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package simconfig

import "testing"

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.MaxRetries != 5 {
		t.Fatalf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.RetryTimeoutSeconds != 10 {
		t.Fatalf("RetryTimeoutSeconds = %v, want 10", cfg.RetryTimeoutSeconds)
	}
	if cfg.E2EEntryPoolCapacity != 8192 {
		t.Fatalf("E2EEntryPoolCapacity = %d, want 8192", cfg.E2EEntryPoolCapacity)
	}
}

func TestLoadStringOverride(t *testing.T) {
	cfg, err := LoadString(`
[engine]
max-retries = 3
quick-acks = true
`)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if !cfg.QuickAcks {
		t.Fatalf("QuickAcks = false, want true")
	}
	// Unspecified keys keep their defaults.
	if cfg.RetryTimeoutSeconds != 10 {
		t.Fatalf("RetryTimeoutSeconds = %v, want default 10", cfg.RetryTimeoutSeconds)
	}
}
