// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package pubsub implements the server-side fan-out hub: a bounded
// revision log of events plus per-connection subscriber channels,
// generalized from the teacher's single-stream PolicyHub to support
// multiple named topics.
package pubsub

import (
	"log"
	"sync"

	"github.com/vutetech/opal/server/pkg/wire"
)

const defaultEventLogSize = 1000

// Hub fans out published envelopes to subscribed connections and keeps
// a bounded per-topic history so late joiners can catch up on a delta
// instead of requiring a full resync.
type Hub struct {
	mu       sync.RWMutex
	revision int64
	logs     map[string][]*wire.Envelope // topic -> ring buffer
	subs     map[chan *wire.Envelope]subscription
}

type subscription struct {
	clientID string
	topics   map[string]struct{}
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		logs: make(map[string][]*wire.Envelope),
		subs: make(map[chan *wire.Envelope]subscription),
	}
}

// Revision returns the current global revision counter.
func (h *Hub) Revision() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.revision
}

// Publish appends an envelope to its topic's log, bumps the revision,
// and fans it out to every subscriber registered for that topic.
// Delivery to a slow subscriber is best-effort: a full channel drops
// the event for that subscriber rather than blocking the publisher.
func (h *Hub) Publish(topic string, env *wire.Envelope) int64 {
	h.mu.Lock()
	h.revision++
	env.Revision = h.revision
	env.Topic = topic

	buf := h.logs[topic]
	buf = append(buf, env)
	if len(buf) > defaultEventLogSize {
		buf = buf[len(buf)/2:]
	}
	h.logs[topic] = buf

	revision := h.revision
	recipients := make([]chan *wire.Envelope, 0, len(h.subs))
	for ch, sub := range h.subs {
		if _, ok := sub.topics[topic]; ok {
			recipients = append(recipients, ch)
		}
	}
	h.mu.Unlock()

	for _, ch := range recipients {
		select {
		case ch <- env:
		default:
			logDrop(topic, revision)
		}
	}
	return revision
}

func logDrop(topic string, revision int64) {
	log.Printf("pubsub: dropped event on topic %q at revision %d: subscriber channel full", topic, revision)
}

// PublishResync sends a resync envelope on the given topic, signalling
// subscribers that they must request a fresh snapshot rather than trust
// the incremental log.
func (h *Hub) PublishResync(topic string) int64 {
	return h.Publish(topic, &wire.Envelope{Type: wire.UpdateTypeResync})
}

// EventsSince returns the events on topic strictly after sinceRevision.
// It returns (nil, false) if the requested revision has already been
// compacted out of the ring buffer — the caller must fall back to a
// full snapshot in that case.
func (h *Hub) EventsSince(topic string, sinceRevision int64) ([]*wire.Envelope, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	buf := h.logs[topic]
	if len(buf) == 0 {
		if sinceRevision >= h.revision {
			return nil, true
		}
		return nil, false
	}

	oldest := buf[0].Revision
	if sinceRevision < oldest-1 {
		return nil, false
	}

	var out []*wire.Envelope
	for _, ev := range buf {
		if ev.Revision > sinceRevision {
			out = append(out, ev)
		}
	}
	return out, true
}

// Subscribe registers a new subscriber for the given topics and returns
// a channel of envelopes plus a cancel function that must be called to
// unregister and release the channel.
func (h *Hub) Subscribe(clientID string, topics []string) (<-chan *wire.Envelope, func()) {
	topicSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		topicSet[t] = struct{}{}
	}

	ch := make(chan *wire.Envelope, 256)

	h.mu.Lock()
	h.subs[ch] = subscription{clientID: clientID, topics: topicSet}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// SubscriberCount reports the number of live subscriber connections,
// for the /statistics endpoint.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// IsResyncSignal reports whether an envelope is a resync instruction
// rather than a regular update.
func IsResyncSignal(env *wire.Envelope) bool {
	return env.Type == wire.UpdateTypeResync
}
