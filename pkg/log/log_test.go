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

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestCaller(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{Writer: &Writer{Next: tw}}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Debug,
	}
	bl.Debugf("testing...\n") // Just for file/line.
	if len(tw.lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(tw.lines))
	}
	if !strings.Contains(tw.lines[0], "log_test.go") {
		t.Errorf("expected log_test.go in %q", tw.lines[0])
	}
	if tw.lines[0][0] != 'D' {
		t.Errorf("expected debug prefix in %q", tw.lines[0])
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: &Writer{Next: tw},
		Level:   Info,
	}
	bl.Debugf("dropped\n")
	bl.Infof("kept\n")
	bl.Warningf("kept\n")
	if got, want := len(tw.lines), 2; got != want {
		t.Errorf("got %d lines, want %d: %v", got, want, tw.lines)
	}
	bl.SetLevel(Warning)
	bl.Infof("dropped\n")
	if got, want := len(tw.lines), 2; got != want {
		t.Errorf("got %d lines after SetLevel, want %d", got, want)
	}
}

func TestLevelJSON(t *testing.T) {
	for _, l := range []Level{Warning, Info, Debug} {
		b, err := json.Marshal(l)
		if err != nil {
			t.Fatalf("Marshal(%v) failed: %v", l, err)
		}
		var got Level
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", b, err)
		}
		if got != l {
			t.Errorf("round trip of %v got %v", l, got)
		}
	}
	var l Level
	if err := json.Unmarshal([]byte("2"), &l); err != nil || l != Debug {
		t.Errorf("Unmarshal(2) = %v, %v, want Debug", l, err)
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Warning, time.Unix(0, 0), "vector %d", 13)
	if len(tw.lines) == 0 {
		t.Fatalf("nothing emitted")
	}
	var j jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &j); err != nil {
		t.Fatalf("invalid json %q: %v", tw.lines[0], err)
	}
	if j.Msg != "vector 13" || j.Level != Warning || j.CPU != nil {
		t.Errorf("unexpected record %+v", j)
	}
	if !strings.HasPrefix(j.Caller, "log_test.go:") {
		t.Errorf("caller = %q, want log_test.go:<line>", j.Caller)
	}

	tw.lines = nil
	e.Emit(0, Info, time.Unix(0, 0), "[cpu 5] halted")
	j = jsonLog{}
	if err := json.Unmarshal([]byte(tw.lines[0]), &j); err != nil {
		t.Fatalf("invalid json %q: %v", tw.lines[0], err)
	}
	if j.Msg != "halted" || j.CPU == nil || *j.CPU != 5 {
		t.Errorf("unexpected record %+v", j)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogrusEmitter(&buf)
	e.Emit(0, Info, time.Now(), "exit %s", "hlt")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if rec["msg"] != "exit hlt" || rec["level"] != "info" {
		t.Errorf("unexpected record %v", rec)
	}
	if _, ok := rec["caller"]; !ok {
		t.Errorf("missing caller in %v", rec)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{Emitter: &Writer{Next: tw}, Level: Debug}
	rl := RateLimitedLogger(bl, time.Hour)
	for i := 0; i < 5; i++ {
		rl.Warningf("spurious exit %d\n", i)
	}
	if got, want := len(tw.lines), 1; got != want {
		t.Errorf("got %d lines, want %d: %v", got, want, tw.lines)
	}
}

func TestCPULogger(t *testing.T) {
	tw := &testWriter{}
	old := Log()
	defer log.Store(old)
	log.Store(&BasicLogger{Emitter: &Writer{Next: tw}, Level: Info})

	CPULogger(3).Infof("resume\n")
	if len(tw.lines) != 1 || !strings.HasPrefix(tw.lines[0], "[cpu 3] resume") {
		t.Errorf("unexpected lines %v", tw.lines)
	}
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFile(filepath.Join(dir, "sub", "tdctl-%COMMAND%.log"), "replay")
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()
	if got, want := filepath.Base(f.Name()), "tdctl-replay.log"; got != want {
		t.Errorf("got file %q, want %q", got, want)
	}
	if f, err := OpenFile("", "replay"); f != nil || err != nil {
		t.Errorf("OpenFile(\"\") = %v, %v, want nil, nil", f, err)
	}
}
