// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adapter

import "sync"

// dispatcher runs user callbacks in order on its own goroutine so that the
// read loop and the link timers never wait on application code
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	signal  chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// post queues fn. It never blocks; calls after close are dropped.
func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) take() []func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	fns := d.queue
	d.queue = nil
	return fns
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.signal:
			for _, fn := range d.take() {
				fn()
			}
		case <-d.done:
			for _, fn := range d.take() {
				fn()
			}
			return
		}
	}
}

// close stops accepting work. Callbacks already queued still run.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.done)
}
