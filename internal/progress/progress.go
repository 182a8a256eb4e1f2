// Copyright © 2024 PackWisely Authors
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

// Package progress tracks the Installer's two-axis (network, disk) progress
// state and emits it, rate-limited, through an injected ProgressSink. It
// also provides the byte-counting reader used to drive the network axis
// from a stream that may be read on a different goroutine than the one
// draining progress.
package progress

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Sink is the event-emission boundary consumed by Tracker. It models the
// embedded desktop shell's event bus: production wires it to the real
// shell, tests use a recording fake.
type Sink interface {
	Emit(event string, payload interface{})
}

// Event names emitted through Sink.
const (
	EventInstallProgress     = "install-progress"
	EventCreatePatchProgress = "create-patch-progress"
	EventInstallFinished     = "install-finished"
	EventUpdateCheckFinished = "update-check-finished"
)

// State is one progress axis: a current value against a maximum, with
// "known" tracking whether the maximum is meaningful yet (it often isn't
// until the first response header arrives).
type State struct {
	Value uint64 `json:"value"`
	Max   uint64 `json:"max"`
	Known bool   `json:"known"`
}

// InstallProgress is the payload shape for EventInstallProgress.
type InstallProgress struct {
	Net     State  `json:"net"`
	Disk    State  `json:"disk"`
	Message string `json:"message"`
}

// CreatePatchProgress is the payload shape for EventCreatePatchProgress.
type CreatePatchProgress struct {
	DoneFiles  int    `json:"done_files"`
	TotalFiles int    `json:"total_files"`
	Path       string `json:"path"`
}

// minEmitInterval is the rate limit applied to install-progress emission
// after a state change that isn't a message change.
const minEmitInterval = 50 * time.Millisecond

// Tracker owns the in-flight two-axis progress state for one install and
// emits it through sink. It is not safe for concurrent use by multiple
// installs — one Tracker per orchestration, matching the single-task
// orchestration model the Installer itself follows.
type Tracker struct {
	sink Sink

	mu       sync.Mutex
	net      State
	disk     State
	message  string
	lastEmit time.Time

	netBytes atomic.Int64
}

// NewTracker creates a Tracker that emits through sink. A nil sink is
// allowed and makes every emit a no-op, which simplifies call sites that
// run without a host shell attached (e.g. CLI usage).
func NewTracker(sink Sink) *Tracker {
	return &Tracker{sink: sink}
}

// SetMessage updates the human-readable status message and always emits,
// regardless of the rate limit.
func (t *Tracker) SetMessage(message string) {
	t.mu.Lock()
	t.message = message
	t.mu.Unlock()
	t.emit(true)
}

// SetNetMax records the expected total network byte count once known (e.g.
// from a Content-Length header).
func (t *Tracker) SetNetMax(max uint64) {
	t.mu.Lock()
	t.net.Max = max
	t.net.Known = true
	t.mu.Unlock()
	t.emit(false)
}

// SetDiskMax records the expected total disk byte count once known.
func (t *Tracker) SetDiskMax(max uint64) {
	t.mu.Lock()
	t.disk.Max = max
	t.disk.Known = true
	t.mu.Unlock()
	t.emit(false)
}

// AddDisk advances the disk axis by n bytes and emits (subject to the rate
// limit).
func (t *Tracker) AddDisk(n uint64) {
	t.mu.Lock()
	t.disk.Value += n
	t.mu.Unlock()
	t.emit(false)
}

// NetReader wraps r so that every byte read advances the tracker's network
// axis. The counter is a plain atomic int64: the download may run on a
// different goroutine than whatever drains progress, and exact-to-the-byte
// accuracy is not required, so relaxed atomic updates are enough.
func (t *Tracker) NetReader(r io.Reader) io.Reader {
	return &countingReader{r: r, t: t}
}

type countingReader struct {
	r io.Reader
	t *Tracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.t.netBytes.Add(int64(n))
		c.t.drainNet()
	}
	return n, err
}

func (t *Tracker) drainNet() {
	t.mu.Lock()
	t.net.Value = uint64(t.netBytes.Load())
	t.mu.Unlock()
	t.emit(false)
}

// emit sends the current state to the sink if the rate limit allows it.
// force bypasses the rate limit, used for message changes.
func (t *Tracker) emit(force bool) {
	if t.sink == nil {
		return
	}

	t.mu.Lock()
	now := time.Now()
	if !force && now.Sub(t.lastEmit) < minEmitInterval {
		t.mu.Unlock()
		return
	}
	t.lastEmit = now
	payload := InstallProgress{Net: t.net, Disk: t.disk, Message: t.message}
	t.mu.Unlock()

	t.sink.Emit(EventInstallProgress, payload)
}

// PatchProgress emits create-patch-progress events for PatchBuilder, which
// has no rate limit of its own: the spec calls for exactly two emissions
// per file (before and after), not a time-sliced stream.
type PatchProgress struct {
	sink  Sink
	total int
	done  int
}

// NewPatchProgress creates a PatchProgress tracker for a run over total
// files.
func NewPatchProgress(sink Sink, total int) *PatchProgress {
	return &PatchProgress{sink: sink, total: total}
}

// Starting emits the pre-file event for path without advancing the done
// count. It is used the same way for diff files and new files; the done
// count advances only in Finished.
func (p *PatchProgress) Starting(path string) {
	p.emit(path)
}

// Finished increments the done count and emits the post-file event for
// path.
func (p *PatchProgress) Finished(path string) {
	p.done++
	p.emit(path)
}

func (p *PatchProgress) emit(path string) {
	if p.sink == nil {
		return
	}
	p.sink.Emit(EventCreatePatchProgress, CreatePatchProgress{
		DoneFiles:  p.done,
		TotalFiles: p.total,
		Path:       path,
	})
}
