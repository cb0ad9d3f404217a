// Copyright 2018 The gVisor Authors.
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

// Package config provides the global configuration of rtsim, populated from
// command line flags and an optional kernel configuration file.
package config

import (
	"flag"
	"fmt"
	"reflect"

	"github.com/BurntSushi/toml"
	"gvisor.dev/rtkernel/pkg/kernel"
	"gvisor.dev/rtkernel/pkg/log"
)

// Config holds the global configuration. Fields tagged with "flag" are
// populated from the flag of that name.
type Config struct {
	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFilename is the file logs are appended to. Empty means stderr.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format"`

	// KernelConfig is the path of a TOML file overriding the default kernel
	// configuration.
	KernelConfig string `flag:"kernel-config"`

	// Kernel is the kernel configuration, from KernelConfig if set.
	Kernel kernel.Config
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where logs are appended, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("kernel-config", "", "path of a TOML file with the kernel configuration (lowest_priority, max_tasks, max_mutexes).")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	conf.Kernel = kernel.DefaultConfig()
	if conf.KernelConfig != "" {
		kc, err := LoadKernelConfig(conf.KernelConfig)
		if err != nil {
			return nil, err
		}
		conf.Kernel = kc
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadKernelConfig reads a TOML kernel configuration. Keys that are absent
// keep their default values and unknown keys are rejected.
func LoadKernelConfig(path string) (kernel.Config, error) {
	kc := kernel.DefaultConfig()
	md, err := toml.DecodeFile(path, &kc)
	if err != nil {
		return kernel.Config{}, fmt.Errorf("kernel config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return kernel.Config{}, fmt.Errorf("kernel config %q: unknown keys %v", path, undecoded)
	}
	return kc, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if err := c.Kernel.Validate(); err != nil {
		return fmt.Errorf("kernel config: %w", err)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config: debug=%t log=%q log-format=%s", c.Debug, c.LogFilename, c.LogFormat)
	log.Infof("Kernel: lowest priority %d, %d tasks, %d mutexes", c.Kernel.LowestPriority, c.Kernel.MaxTasks, c.Kernel.MaxMutexes)
}
