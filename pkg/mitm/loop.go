// RDP MITM Go - Intercepting relay for RDP sessions
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package mitm

import (
	"context"
	"sync"
	"time"
)

// Loop runs every piece of a session's relay logic on one goroutine. Reader
// goroutines and timers never touch session state; they Post closures here.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	// owned by the loop goroutine
	timers   map[*Timer]struct{}
	deferred []func()
}

func NewLoop() *Loop {
	return &Loop{
		tasks:  make(chan func(), 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		timers: make(map[*Timer]struct{}),
	}
}

// Run executes posted tasks until Stop is called or ctx is done. It must be
// called exactly once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		// a stop requested by a task wins over tasks still queued
		select {
		case <-l.quit:
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return nil
		case fn := <-l.tasks:
			fn()
			l.runDeferred()
		}
	}
}

func (l *Loop) runDeferred() {
	for len(l.deferred) > 0 {
		fn := l.deferred[0]
		l.deferred = l.deferred[1:]
		fn()
	}
	l.deferred = nil
}

// Defer queues fn to run on the loop once the current task returns. Unlike
// Post it never blocks, so tasks use it to schedule follow-up work. Must be
// called from the loop.
func (l *Loop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// Post queues fn for execution on the loop. It reports false when the loop
// has stopped and fn will never run. Safe for concurrent use.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	case <-l.quit:
		return false
	}
}

// Stop makes Run return after the current task. Safe to call more than once.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.quit) })
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Timer is a callback scheduled with AfterFunc.
type Timer struct {
	loop    *Loop
	t       *time.Timer
	stopped bool
}

// AfterFunc runs fn on the loop after d. Must be called from the loop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{loop: l}
	l.timers[tm] = struct{}{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped {
				return
			}
			tm.stopped = true
			delete(l.timers, tm)
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. A callback already queued on the loop is dropped.
// Must be called from the loop.
func (t *Timer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.t.Stop()
	delete(t.loop.timers, t)
}

// Pending returns the number of timers not yet fired or stopped.
func (l *Loop) Pending() int { return len(l.timers) }

// CancelAll stops every pending timer. Must be called from the loop, or
// after Run has returned.
func (l *Loop) CancelAll() {
	for tm := range l.timers {
		tm.stopped = true
		tm.t.Stop()
	}
	clear(l.timers)
}
