// Copyright 2024 The apexhub Authors
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

// Package actor provides the minimal mailbox-and-loop primitive used by the
// hub's long-lived background workers, such as the alert sink dispatcher.
// Each worker owns its state and consumes messages from a single mailbox, so
// no additional locking is needed inside the loop.
package actor

import "context"

// Actor is a message-driven worker. Start blocks, draining the mailbox until
// the context is canceled, and returns the terminal error (nil for a clean
// stop). Supervised actors are restarted according to their restart strategy
// when Start returns.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is the buffered message queue feeding an actor. Producers on hot
// paths use TrySend so a slow or wedged worker sheds load instead of stalling
// the caller.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox with the given buffer capacity.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while the buffer is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend puts a message into the mailbox without blocking. It reports false
// when the buffer is full and the message was dropped; callers decide whether
// a drop is worth a log line or a counter.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message arrives or the context is canceled, in
// which case it returns the context's error. Actors call this in their main
// loop.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}

// Chan exposes the underlying channel read-only, for callers that need to
// select over several sources at once.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}
