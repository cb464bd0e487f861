//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nestybox/microvisor/domain"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.StreamBufferCapacity != 65536 {
		t.Errorf("stream buffer = %d, want 65536", cfg.StreamBufferCapacity)
	}
	if cfg.SchedulerQuantum != Duration(10*time.Millisecond) {
		t.Errorf("quantum = %v, want 10ms", cfg.SchedulerQuantum)
	}
	if cfg.MemoryWarnPct != 80 || cfg.MemoryCriticalPct != 95 {
		t.Errorf("pressure thresholds = %d/%d, want 80/95",
			cfg.MemoryWarnPct, cfg.MemoryCriticalPct)
	}
	if cfg.Policy() != domain.PolicyRoundRobin {
		t.Errorf("policy = %v, want round-robin", cfg.Policy())
	}
	if cfg.Profile() != domain.ProfileStandard {
		t.Errorf("profile = %v, want standard", cfg.Profile())
	}
	if cfg.JitHotThreshold != 100 {
		t.Errorf("jit threshold = %d, want 100", cfg.JitHotThreshold)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "microvisor.yaml")

	yaml := `
scheduler_policy: Fair
scheduler_quantum: 25ms
memory_capacity: 2147483648
default_sandbox_profile: PRIVILEGED
orphan_policy: cascade
shard_multipliers:
  high: 8
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Policy() != domain.PolicyFair {
		t.Errorf("policy = %v, want fair", cfg.Policy())
	}
	if cfg.SchedulerQuantum != Duration(25*time.Millisecond) {
		t.Errorf("quantum = %v, want 25ms", cfg.SchedulerQuantum)
	}
	if cfg.MemoryCapacity != 2<<30 {
		t.Errorf("capacity = %d, want 2 GiB", cfg.MemoryCapacity)
	}
	if cfg.Orphans() != domain.OrphanCascade {
		t.Errorf("orphan policy = %v, want cascade", cfg.Orphans())
	}
	if cfg.ShardMultipliers.High != 8 {
		t.Errorf("high shard multiplier = %d, want 8", cfg.ShardMultipliers.High)
	}

	// Untouched knobs keep their defaults.
	if cfg.MemoryWarnPct != 80 {
		t.Errorf("warn pct lost its default: %d", cfg.MemoryWarnPct)
	}
}

func TestValidateRejectsBadKnobs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"sampling rate", func(c *Config) { c.SamplingInitialRate = 150 }},
		{"warn pct", func(c *Config) { c.MemoryWarnPct = 0 }},
		{"critical below warn", func(c *Config) { c.MemoryCriticalPct = 50 }},
		{"anomaly threshold", func(c *Config) { c.AnomalyThreshold = -1 }},
		{"policy", func(c *Config) { c.SchedulerPolicy = "LIFO" }},
		{"orphan policy", func(c *Config) { c.OrphanPolicy = "abandon" }},
		{"quantum", func(c *Config) { c.SchedulerQuantum = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("bad %s accepted", tt.name)
			}
		})
	}
}
