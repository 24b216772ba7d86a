// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

package pubsub

import (
	"testing"

	"github.com/vutetech/opal/server/pkg/wire"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("client-1", []string{"policy_data"})
	defer cancel()

	rev := h.Publish("policy_data", &wire.Envelope{Type: wire.UpdateTypePolicy})
	if rev != 1 {
		t.Fatalf("Publish() revision = %d, want 1", rev)
	}

	select {
	case env := <-ch:
		if env.Revision != 1 {
			t.Errorf("received envelope revision = %d, want 1", env.Revision)
		}
	default:
		t.Fatal("expected envelope to be delivered to subscriber")
	}
}

func TestPublishSkipsUnsubscribedTopic(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("client-1", []string{"billing"})
	defer cancel()

	h.Publish("policy_data", &wire.Envelope{Type: wire.UpdateTypePolicy})

	select {
	case <-ch:
		t.Fatal("did not expect an envelope for an unsubscribed topic")
	default:
	}
}

func TestEventsSinceReturnsDelta(t *testing.T) {
	h := New()
	h.Publish("policy_data", &wire.Envelope{Type: wire.UpdateTypePolicy})
	h.Publish("policy_data", &wire.Envelope{Type: wire.UpdateTypePolicy})
	h.Publish("policy_data", &wire.Envelope{Type: wire.UpdateTypePolicy})

	events, ok := h.EventsSince("policy_data", 1)
	if !ok {
		t.Fatal("EventsSince() ok = false, want true")
	}
	if len(events) != 2 {
		t.Fatalf("EventsSince() len = %d, want 2", len(events))
	}
}

func TestEventsSinceReportsGapAfterCompaction(t *testing.T) {
	h := New()
	for i := 0; i < defaultEventLogSize*2; i++ {
		h.Publish("policy_data", &wire.Envelope{Type: wire.UpdateTypePolicy})
	}

	_, ok := h.EventsSince("policy_data", 1)
	if ok {
		t.Fatal("EventsSince() ok = true, want false for a compacted-out revision")
	}
}

func TestSubscribeCancelRemovesSubscriber(t *testing.T) {
	h := New()
	_, cancel := h.Subscribe("client-1", []string{"policy_data"})
	if h.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", h.SubscriberCount())
	}
	cancel()
	if h.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0 after cancel", h.SubscriberCount())
	}
}

func TestPublishResyncSignal(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("client-1", []string{"policy_data"})
	defer cancel()

	h.PublishResync("policy_data")

	env := <-ch
	if !IsResyncSignal(env) {
		t.Error("IsResyncSignal() = false, want true for a resync envelope")
	}
}
