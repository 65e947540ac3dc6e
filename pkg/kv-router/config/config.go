/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds the router configuration file format.
package config

import (
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/yaml"
)

const (
	DefaultBlockSize                = 16
	DefaultHeartbeatInterval        = 5 * time.Second
	DefaultMissedHeartbeatThreshold = 3
	DefaultCompletionTimeout        = 10 * time.Minute
	DefaultDecisionHistorySize      = 1024
	DefaultRedisChannel             = "kv-events"

	RoleFilterPluginName   = "role-filter"
	KVCachePluginName      = "kv-cache"
	LeastLoadPluginName    = "least-load"
	RoleAffinityPluginName = "role-affinity"
)

// Configuration is the router configuration file.
type Configuration struct {
	// BlockSize is the number of tokens per hashed block.
	BlockSize int `json:"blockSize,omitempty"`
	// MaxBlocksPerRequest bounds the blocks hashed per request, 0 is unbounded.
	MaxBlocksPerRequest int `json:"maxBlocksPerRequest,omitempty"`
	// MaxBlocksPerWorker caps the cache metadata kept per worker, 0 is unbounded.
	MaxBlocksPerWorker int `json:"maxBlocksPerWorker,omitempty"`

	HeartbeatInterval        metav1.Duration `json:"heartbeatInterval,omitempty"`
	MissedHeartbeatThreshold int             `json:"missedHeartbeatThreshold,omitempty"`
	// CompletionTimeout is how long a routed request may stay in flight
	// before it is reclaimed as failed.
	CompletionTimeout metav1.Duration `json:"completionTimeout,omitempty"`

	DecisionHistorySize int `json:"decisionHistorySize,omitempty"`

	// MaxRoutesPerSecond limits the route endpoint, 0 disables the limit.
	MaxRoutesPerSecond float64 `json:"maxRoutesPerSecond,omitempty"`
	RouteBurst         int     `json:"routeBurst,omitempty"`

	Scheduler SchedulerConfiguration `json:"scheduler"`
	Redis     RedisConfiguration     `json:"redis"`
}

type SchedulerConfiguration struct {
	Plugins      Plugins        `json:"plugins"`
	PluginConfig []PluginConfig `json:"pluginConfig,omitempty"`
}

type Plugins struct {
	Filter Filter `json:"filter"`
	Score  Score  `json:"score"`
}

type Filter struct {
	Enabled []string `json:"enabled,omitempty"`
}

type Score struct {
	Enabled []PluginWithWeight `json:"enabled,omitempty"`
}

type PluginWithWeight struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

type PluginConfig struct {
	Name string               `json:"name"`
	Args runtime.RawExtension `json:"args,omitempty"`
}

// RedisConfiguration enables the KV event subscriber when Address is set.
// REDIS_HOST, REDIS_PORT and REDIS_PASSWORD override it.
type RedisConfiguration struct {
	Address  string   `json:"address,omitempty"`
	Password string   `json:"password,omitempty"`
	DB       int      `json:"db,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Configuration {
	c := &Configuration{}
	c.SetDefaults()
	return c
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML or JSON configuration.
func Parse(data []byte) (*Configuration, error) {
	c := &Configuration{}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Configuration) SetDefaults() {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.HeartbeatInterval.Duration == 0 {
		c.HeartbeatInterval.Duration = DefaultHeartbeatInterval
	}
	if c.MissedHeartbeatThreshold == 0 {
		c.MissedHeartbeatThreshold = DefaultMissedHeartbeatThreshold
	}
	if c.CompletionTimeout.Duration == 0 {
		c.CompletionTimeout.Duration = DefaultCompletionTimeout
	}
	if c.DecisionHistorySize == 0 {
		c.DecisionHistorySize = DefaultDecisionHistorySize
	}
	if c.MaxRoutesPerSecond > 0 && c.RouteBurst == 0 {
		c.RouteBurst = int(c.MaxRoutesPerSecond)
		if c.RouteBurst < 1 {
			c.RouteBurst = 1
		}
	}
	if len(c.Scheduler.Plugins.Filter.Enabled) == 0 && len(c.Scheduler.Plugins.Score.Enabled) == 0 {
		c.Scheduler.Plugins = DefaultPlugins()
	}
	if c.Redis.Address != "" && len(c.Redis.Channels) == 0 {
		c.Redis.Channels = []string{DefaultRedisChannel}
	}
}

// DefaultPlugins weighs cache locality first, then load, then role fit.
func DefaultPlugins() Plugins {
	return Plugins{
		Filter: Filter{Enabled: []string{RoleFilterPluginName}},
		Score: Score{Enabled: []PluginWithWeight{
			{Name: KVCachePluginName, Weight: 1},
			{Name: LeastLoadPluginName, Weight: 0.5},
			{Name: RoleAffinityPluginName, Weight: 0.25},
		}},
	}
}

func (c *Configuration) Validate() error {
	var allErrs field.ErrorList
	if c.BlockSize < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("blockSize"), c.BlockSize, "must be positive"))
	}
	if c.MaxBlocksPerRequest < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("maxBlocksPerRequest"), c.MaxBlocksPerRequest, "must not be negative"))
	}
	if c.MaxBlocksPerWorker < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("maxBlocksPerWorker"), c.MaxBlocksPerWorker, "must not be negative"))
	}
	if c.HeartbeatInterval.Duration < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("heartbeatInterval"), c.HeartbeatInterval.Duration.String(), "must be positive"))
	}
	if c.MissedHeartbeatThreshold < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("missedHeartbeatThreshold"), c.MissedHeartbeatThreshold, "must be positive"))
	}
	if c.CompletionTimeout.Duration < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("completionTimeout"), c.CompletionTimeout.Duration.String(), "must be positive"))
	}
	if c.DecisionHistorySize < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("decisionHistorySize"), c.DecisionHistorySize, "must not be negative"))
	}
	if c.MaxRoutesPerSecond < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("maxRoutesPerSecond"), c.MaxRoutesPerSecond, "must not be negative"))
	}
	allErrs = append(allErrs, validatePlugins(c.Scheduler, field.NewPath("scheduler"))...)

	return allErrs.ToAggregate()
}

func validatePlugins(s SchedulerConfiguration, path *field.Path) field.ErrorList {
	var allErrs field.ErrorList

	filterPath := path.Child("plugins", "filter", "enabled")
	for i, name := range s.Plugins.Filter.Enabled {
		if name != RoleFilterPluginName {
			allErrs = append(allErrs, field.NotSupported(filterPath.Index(i), name, []string{RoleFilterPluginName}))
		}
	}

	scorePath := path.Child("plugins", "score", "enabled")
	supported := []string{KVCachePluginName, LeastLoadPluginName, RoleAffinityPluginName}
	seen := map[string]bool{}
	for i, p := range s.Plugins.Score.Enabled {
		switch p.Name {
		case KVCachePluginName, LeastLoadPluginName, RoleAffinityPluginName:
		default:
			allErrs = append(allErrs, field.NotSupported(scorePath.Index(i).Child("name"), p.Name, supported))
		}
		if seen[p.Name] {
			allErrs = append(allErrs, field.Duplicate(scorePath.Index(i).Child("name"), p.Name))
		}
		seen[p.Name] = true
		if p.Weight < 0 {
			allErrs = append(allErrs, field.Invalid(scorePath.Index(i).Child("weight"), p.Weight, "must not be negative"))
		}
	}
	return allErrs
}

// PluginArgs returns the raw arguments configured per plugin name.
func (s SchedulerConfiguration) PluginArgs() map[string]runtime.RawExtension {
	args := make(map[string]runtime.RawExtension, len(s.PluginConfig))
	for _, pc := range s.PluginConfig {
		args[pc.Name] = pc.Args
	}
	return args
}
