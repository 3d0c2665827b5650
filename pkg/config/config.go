/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config holds the tunables of the segment manager and supervisor.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/srediag/shmif/internal/logging"
	"github.com/srediag/shmif/pkg/shm"
)

const (
	MemMapMemfd  = "memfd"
	MemMapDevShm = "devshm"

	envPrefix = "SHMIF"
)

// Config is loaded from YAML and then overridden by SHMIF_* variables.
type Config struct {
	// MemMapType selects the backing: "memfd" (default) or "devshm".
	MemMapType string `yaml:"mem_map_type" envconfig:"MEM_MAP_TYPE"`
	// ShareMemoryPathPrefix names devshm segments, e.g. /dev/shm/shmif.
	ShareMemoryPathPrefix string `yaml:"share_memory_path_prefix" envconfig:"SHARE_MEMORY_PATH_PREFIX"`

	MaxRegionSize uint64 `yaml:"max_region_size" envconfig:"MAX_REGION_SIZE"`
	MaxWidth      uint32 `yaml:"max_width" envconfig:"MAX_WIDTH"`
	MaxHeight     uint32 `yaml:"max_height" envconfig:"MAX_HEIGHT"`
	EventQueueCap uint32 `yaml:"event_queue_cap" envconfig:"EVENT_QUEUE_CAP"`

	MaxSegments    int `yaml:"max_segments" envconfig:"MAX_SEGMENTS"`
	MaxSubsegments int `yaml:"max_subsegments" envconfig:"MAX_SUBSEGMENTS"`

	// WaitTimeout bounds negotiation waits: the first Ack, resize answers.
	WaitTimeout    time.Duration `yaml:"wait_timeout" envconfig:"WAIT_TIMEOUT"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout" envconfig:"ENQUEUE_TIMEOUT"`

	LivenessInterval    time.Duration `yaml:"liveness_interval" envconfig:"LIVENESS_INTERVAL"`
	MissedResponseLimit int           `yaml:"missed_response_limit" envconfig:"MISSED_RESPONSE_LIMIT"`
	AdoptOrphans        bool          `yaml:"adopt_orphans" envconfig:"ADOPT_ORPHANS"`
	RespawnMaxRetries   uint64        `yaml:"respawn_max_retries" envconfig:"RESPAWN_MAX_RETRIES"`
	ProbeWorkers        int           `yaml:"probe_workers" envconfig:"PROBE_WORKERS"`
	OutboxCap           uint64        `yaml:"outbox_cap" envconfig:"OUTBOX_CAP"`

	LogLevel int `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// DefaultConfig is the configuration used when nothing is set.
func DefaultConfig() *Config {
	lim := shm.DefaultLimits()
	return &Config{
		MemMapType:            MemMapMemfd,
		ShareMemoryPathPrefix: "/dev/shm/shmif",
		MaxRegionSize:         lim.MaxRegionSize,
		MaxWidth:              lim.MaxWidth,
		MaxHeight:             lim.MaxHeight,
		EventQueueCap:         lim.QueueCap,
		MaxSegments:           256,
		MaxSubsegments:        8,
		WaitTimeout:           2 * time.Second,
		EnqueueTimeout:        shm.DefaultEnqueueTimeout,
		LivenessInterval:      500 * time.Millisecond,
		MissedResponseLimit:   3,
		AdoptOrphans:          true,
		RespawnMaxRetries:     3,
		ProbeWorkers:          4,
		OutboxCap:             1024,
		LogLevel:              logging.LevelWarn,
	}
}

// VerifyConfig rejects values the runtime cannot honour.
func VerifyConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := c.MapType(); err != nil {
		return err
	}
	if c.MemMapType == MemMapDevShm && c.ShareMemoryPathPrefix == "" {
		return errors.New("ShareMemoryPathPrefix is required for devshm")
	}
	if c.EventQueueCap < 2 || c.EventQueueCap > shm.MaxQueueCap || c.EventQueueCap&(c.EventQueueCap-1) != 0 {
		return fmt.Errorf("EventQueueCap %d must be a power of two in [2, %d]", c.EventQueueCap, shm.MaxQueueCap)
	}
	if c.MaxWidth == 0 || c.MaxWidth > shm.MaxDimension || c.MaxHeight == 0 || c.MaxHeight > shm.MaxDimension {
		return fmt.Errorf("MaxWidth/MaxHeight %dx%d out of range (1..%d)", c.MaxWidth, c.MaxHeight, shm.MaxDimension)
	}
	// the smallest region must still hold the header and both rings
	if floor := uint64(shm.HeaderSize) + 2*shm.RingSize(c.EventQueueCap); c.MaxRegionSize < floor {
		return fmt.Errorf("MaxRegionSize %d below minimum %d", c.MaxRegionSize, floor)
	}
	if c.MaxSegments <= 0 {
		return fmt.Errorf("MaxSegments %d must be positive", c.MaxSegments)
	}
	if c.MaxSubsegments < 0 || c.MaxSubsegments >= c.MaxSegments {
		return fmt.Errorf("MaxSubsegments %d must be in [0, MaxSegments)", c.MaxSubsegments)
	}
	if c.WaitTimeout <= 0 || c.EnqueueTimeout <= 0 || c.LivenessInterval <= 0 {
		return errors.New("timeouts and LivenessInterval must be positive")
	}
	if c.MissedResponseLimit <= 0 {
		return fmt.Errorf("MissedResponseLimit %d must be positive", c.MissedResponseLimit)
	}
	if c.ProbeWorkers <= 0 {
		return fmt.Errorf("ProbeWorkers %d must be positive", c.ProbeWorkers)
	}
	if c.OutboxCap < 2 {
		return fmt.Errorf("OutboxCap %d too small", c.OutboxCap)
	}
	if c.LogLevel < logging.LevelTrace || c.LogLevel > logging.LevelNoPrint {
		return fmt.Errorf("LogLevel %d out of range", c.LogLevel)
	}
	return nil
}

// MapType translates MemMapType.
func (c *Config) MapType() (shm.MemMapType, error) {
	switch c.MemMapType {
	case "", MemMapMemfd:
		return shm.MemMapTypeMemFd, nil
	case MemMapDevShm:
		return shm.MemMapTypeDevShmFile, nil
	}
	return 0, fmt.Errorf("unknown MemMapType %q", c.MemMapType)
}

// Limits returns the layout limits this config allows.
func (c *Config) Limits() shm.Limits {
	return shm.Limits{
		MaxWidth:      c.MaxWidth,
		MaxHeight:     c.MaxHeight,
		MaxRegionSize: c.MaxRegionSize,
		QueueCap:      c.EventQueueCap,
	}
}

// Load reads path (if not empty) over the defaults, applies SHMIF_*
// environment overrides and verifies the result.
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(envPrefix, c); err != nil {
		return nil, fmt.Errorf("config from environment: %w", err)
	}
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}
