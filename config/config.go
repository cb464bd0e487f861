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

// Package config loads the runtime's configuration: built-in defaults,
// overridden by an optional YAML file, overridden by cli flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nestybox/microvisor/domain"
)

// Duration wraps time.Duration so the YAML layer accepts "10ms"-style
// strings; bare integers are taken as milliseconds.
type Duration time.Duration

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// Integers first: every scalar also decodes as a string.
	var ms int64
	if err := value.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config carries every tunable knob of the runtime.
type Config struct {
	// Control-plane listen address (host:port).
	Listen string `yaml:"listen"`

	// DataRoot is the host directory backing sandboxed host-FS mounts.
	DataRoot string `yaml:"data_root"`

	// Observability.
	StreamBufferCapacity int     `yaml:"stream_buffer_capacity"`
	SamplingInitialRate  int     `yaml:"sampling_initial_rate"` // percent, 0-100
	AnomalyThreshold     float64 `yaml:"anomaly_threshold"`     // z-score

	// Scheduler.
	SchedulerQuantum Duration `yaml:"scheduler_quantum"`
	SchedulerPolicy  string   `yaml:"scheduler_policy"`
	PreemptionTick   Duration `yaml:"preemption_tick"`
	AgingThreshold   uint64   `yaml:"aging_threshold"` // missed quanta before priority boost

	// Memory.
	MemoryCapacity    uint64   `yaml:"memory_capacity"`
	MemoryWarnPct     int      `yaml:"memory_warn_pct"`
	MemoryCriticalPct int      `yaml:"memory_critical_pct"`
	GCColdWindow      Duration `yaml:"gc_cold_window"`

	// Sandbox.
	DefaultSandboxProfile string `yaml:"default_sandbox_profile"`

	// Process manager.
	OrphanPolicy string `yaml:"orphan_policy"` // reparent | cascade

	// Sharding multipliers per contention profile.
	ShardMultipliers struct {
		High   int `yaml:"high"`
		Medium int `yaml:"medium"`
		Low    int `yaml:"low"`
	} `yaml:"shard_multipliers"`

	// Dispatcher.
	JitHotThreshold uint64 `yaml:"jit_hot_threshold"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Listen:                "127.0.0.1:50051",
		DataRoot:              "/tmp/microvisor",
		StreamBufferCapacity:  65536,
		SamplingInitialRate:   100,
		AnomalyThreshold:      3.0,
		SchedulerQuantum:      Duration(10 * time.Millisecond),
		SchedulerPolicy:       "RoundRobin",
		PreemptionTick:        Duration(100 * time.Microsecond),
		AgingThreshold:        100,
		MemoryCapacity:        1 << 30,
		MemoryWarnPct:         80,
		MemoryCriticalPct:     95,
		GCColdWindow:          Duration(5 * time.Minute),
		DefaultSandboxProfile: "STANDARD",
		OrphanPolicy:          "reparent",
		JitHotThreshold:       100,
	}
	cfg.ShardMultipliers.High = 4
	cfg.ShardMultipliers.Medium = 2
	cfg.ShardMultipliers.Low = 1
	return cfg
}

// Load merges the YAML file at path over the defaults. An empty path returns
// the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config file %s: %v", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unable to parse config file %s: %v", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects out-of-range knob values.
func (c *Config) Validate() error {
	if c.SamplingInitialRate < 0 || c.SamplingInitialRate > 100 {
		return fmt.Errorf("sampling_initial_rate must be within [0, 100], got %d",
			c.SamplingInitialRate)
	}
	if c.StreamBufferCapacity <= 0 {
		return fmt.Errorf("stream_buffer_capacity must be positive, got %d",
			c.StreamBufferCapacity)
	}
	if c.MemoryWarnPct <= 0 || c.MemoryWarnPct >= 100 {
		return fmt.Errorf("memory_warn_pct must be within (0, 100), got %d",
			c.MemoryWarnPct)
	}
	if c.MemoryCriticalPct <= c.MemoryWarnPct || c.MemoryCriticalPct > 100 {
		return fmt.Errorf("memory_critical_pct must be within (warn, 100], got %d",
			c.MemoryCriticalPct)
	}
	if c.AnomalyThreshold <= 0 {
		return fmt.Errorf("anomaly_threshold must be positive, got %v",
			c.AnomalyThreshold)
	}
	if _, ok := domain.ParseSchedulerPolicy(c.SchedulerPolicy); !ok {
		return fmt.Errorf("scheduler_policy %q not recognized", c.SchedulerPolicy)
	}
	if c.OrphanPolicy != "reparent" && c.OrphanPolicy != "cascade" {
		return fmt.Errorf("orphan_policy must be reparent or cascade, got %q",
			c.OrphanPolicy)
	}
	if c.SchedulerQuantum <= 0 || c.PreemptionTick <= 0 {
		return fmt.Errorf("scheduler_quantum and preemption_tick must be positive")
	}
	return nil
}

// Policy returns the parsed scheduler policy.
func (c *Config) Policy() domain.SchedulerPolicy {
	p, _ := domain.ParseSchedulerPolicy(c.SchedulerPolicy)
	return p
}

// Profile returns the parsed default sandbox profile.
func (c *Config) Profile() domain.SandboxProfile {
	return domain.ParseSandboxProfile(c.DefaultSandboxProfile)
}

// Orphans returns the parsed orphan policy.
func (c *Config) Orphans() domain.OrphanPolicy {
	if c.OrphanPolicy == "cascade" {
		return domain.OrphanCascade
	}
	return domain.OrphanReparent
}
