// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import "sync"

// writeQueue holds SLIP encoded frames waiting for the writer. Frames are
// written whole and in push order, so bytes of two frames never interleave.
type writeQueue struct {
	mu     sync.Mutex
	frames [][]byte
	signal chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{signal: make(chan struct{}, 1)}
}

func (q *writeQueue) push(frame []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// take removes and returns every queued frame
func (q *writeQueue) take() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.frames
	q.frames = nil
	return frames
}

func (q *writeQueue) clear() {
	q.mu.Lock()
	q.frames = nil
	q.mu.Unlock()
}

func (q *writeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
