// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package localjob

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
)

const stderrTailLines = 20

// pump forwards r to sink one line at a time until EOF. A final line
// without a newline is forwarded too. Lines also go to tail when set.
func pump(r io.Reader, level task.Level, sink Sink, tail *tail) {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			sink.Log(level, line)
			if tail != nil {
				tail.add(line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				sink.Log(task.LevelSystem, "reading "+string(level)+": "+err.Error())
			}
			return
		}
	}
}

// tail keeps the last n lines written to it.
type tail struct {
	mu    sync.Mutex
	limit int
	buf   []string
}

func newTail(limit int) *tail { return &tail{limit: limit} }

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}
