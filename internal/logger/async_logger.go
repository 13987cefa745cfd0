// Copyright 2023 Google LLC
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

package logger

import (
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AsyncLogger decouples log writers from the (possibly slow, rotating)
// underlying file so that a write to it never blocks an I/O request guard
// (see overlay.IOGate) behind disk or rotation latency. Records are queued
// on a bounded channel and drained by a single goroutine; a full queue
// drops the record rather than blocking the caller.
type AsyncLogger struct {
	out     *lumberjack.Logger
	records chan []byte
	done    chan struct{}
	dropped uint64
	closeMu sync.Mutex
	closed  bool
}

// NewAsyncLogger starts the drain goroutine and returns a ready-to-use
// AsyncLogger writing to lj.
func NewAsyncLogger(lj *lumberjack.Logger, bufferSize int) *AsyncLogger {
	a := &AsyncLogger{
		out:     lj,
		records: make(chan []byte, bufferSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncLogger) run() {
	defer close(a.done)
	for rec := range a.records {
		_, _ = a.out.Write(rec)
	}
}

// Write implements io.Writer. It copies p (slog reuses its buffer across
// calls) and enqueues it, dropping the record instead of blocking if the
// queue is full.
func (a *AsyncLogger) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)

	select {
	case a.records <- cp:
	default:
		a.dropped++
	}
	return len(p), nil
}

// Dropped returns the number of records dropped so far because the queue
// was full.
func (a *AsyncLogger) Dropped() uint64 {
	return a.dropped
}

// Close stops accepting new records, waits for the queue to drain, and
// closes the underlying lumberjack.Logger. Safe to call more than once.
func (a *AsyncLogger) Close() error {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return nil
	}
	a.closed = true
	a.closeMu.Unlock()

	close(a.records)
	<-a.done
	return a.out.Close()
}
