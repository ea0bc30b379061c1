// Copyright 2026 The gVisor Authors.
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


// Package config provides basic infrastructure to set configuration settings
// for tdctl. Each setting that can be changed from the command line must
// have a corresponding flag, registered in flags.go. Settings that describe
// the trust domain itself come from an optional policy file.
package config

import (
	"fmt"
	"reflect"

	"github.com/mohae/deepcopy"
	"gvisor.dev/tdvisor/pkg/log"
)

// Config holds configuration that is not part of the trace or the command
// being executed.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr in addition
	// to the log file.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// PolicyFile is the path of the TOML policy file, if any.
	PolicyFile string `flag:"policy"`

	// Processors overrides the number of logical processors in the
	// policy. Zero keeps the policy's value.
	Processors int `flag:"processors"`

	// BusyRetries overrides the operand-busy retry budget of the policy.
	// Zero keeps the policy's value; negative disables retries.
	BusyRetries int `flag:"busy-retries"`

	// HostCPUID seeds the guest CPUID table from the host processor
	// instead of the fixed baseline.
	HostCPUID bool `flag:"host-cpuid"`

	// MetadataControl reaches virtual CPU control structures through
	// trust-domain metadata calls instead of local memory.
	MetadataControl bool `flag:"metadata-control"`

	// Policy is the loaded policy file, or DefaultPolicy.
	Policy *Policy
}

// Supported log formats.
var logFormats = map[string]struct{}{
	"text":   {},
	"json":   {},
	"logrus": {},
}

func (c *Config) validate() error {
	if _, ok := logFormats[c.LogFormat]; !ok {
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if c.Processors < 0 {
		return fmt.Errorf("processors must be positive: %d", c.Processors)
	}
	return c.Policy.validate()
}

// NumProcessors returns the number of logical processors to bring up.
func (c *Config) NumProcessors() int {
	if c.Processors > 0 {
		return c.Processors
	}
	if c.Policy.Processors > 0 {
		return c.Policy.Processors
	}
	return 1
}

// Retries returns the operand-busy retry budget.
func (c *Config) Retries() int {
	if c.BusyRetries != 0 {
		return c.BusyRetries
	}
	return c.Policy.BusyRetries
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
	p := c.Policy
	log.Infof("\tprocessors (effective): %d, busy retries (effective): %d", c.NumProcessors(), c.Retries())
	log.Infof("\ttrap table: %#x, entry image: %#x, dispatcher: %#x, selector: %#x", uint64(p.TableBase), uint64(p.HandlerBase), uint64(p.Dispatcher), p.Selector)
	log.Infof("\tMSR ranges: %d, CPUID overrides: %d, exception overrides: %d", len(p.MSR.Ranges), len(p.CPUID.Override), len(p.Exceptions))
}
