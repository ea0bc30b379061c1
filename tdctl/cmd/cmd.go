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


// Package cmd holds implementations of the tdctl commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"gvisor.dev/tdvisor/pkg/log"
	"gvisor.dev/tdvisor/pkg/percpu"
	"gvisor.dev/tdvisor/tdctl/config"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller of tdctl.
var ErrorLogger io.Writer

// Fatalf logs the same message to the log and to stderr, and exits with
// error code 128.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprintln(ErrorLogger, msg)
	}
	os.Exit(128)
}

// newPlatform builds the trap platform described by conf.
func newPlatform(conf *config.Config) (*percpu.Platform, error) {
	opts, err := conf.Policy.PlatformOpts()
	if err != nil {
		return nil, err
	}
	return percpu.NewPlatform(opts)
}
