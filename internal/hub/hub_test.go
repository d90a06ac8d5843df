package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingSub struct {
	mu   sync.Mutex
	got  []Envelope
	fail bool
}

func (r *recordingSub) Send(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("send failed")
	}
	r.got = append(r.got, env)
	return nil
}

func (r *recordingSub) envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.got))
	copy(out, r.got)
	return out
}

func TestBroadcastToOrgIsolatesTenants(t *testing.T) {
	h := New()
	subA := &recordingSub{}
	subB := &recordingSub{}
	h.Subscribe("org-a", subA)
	h.Subscribe("org-b", subB)

	h.BroadcastToOrg("org-a", Envelope{Type: TypeSignalCreated})

	if got := subA.envelopes(); len(got) != 1 {
		t.Fatalf("org-a expected 1 envelope, got %d", len(got))
	} else if got[0].OrgID != "org-a" {
		t.Fatalf("expected org_id org-a, got %s", got[0].OrgID)
	}
	if got := subB.envelopes(); len(got) != 0 {
		t.Fatalf("org-b expected no envelopes, got %d", len(got))
	}
}

func TestGlobalSubscriberSeesAllOrgs(t *testing.T) {
	h := New()
	global := &recordingSub{}
	h.SubscribeGlobal(global)

	h.BroadcastToOrg("org-a", Envelope{Type: TypeRiskCreated})
	h.BroadcastToOrg("org-b", Envelope{Type: TypeRiskCreated})

	got := global.envelopes()
	if len(got) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(got))
	}
	if got[0].OrgID != "org-a" || got[1].OrgID != "org-b" {
		t.Fatalf("unexpected org ids: %s, %s", got[0].OrgID, got[1].OrgID)
	}
}

func TestFailedSendDoesNotAffectOthers(t *testing.T) {
	h := New()
	bad := &recordingSub{fail: true}
	good := &recordingSub{}
	h.Subscribe("org-a", bad)
	h.Subscribe("org-a", good)

	h.BroadcastToOrg("org-a", Envelope{Type: TypeSignalCreated})

	if got := good.envelopes(); len(got) != 1 {
		t.Fatalf("healthy subscriber expected 1 envelope, got %d", len(got))
	}
	stats := h.Stats()
	if stats.Delivered != 1 || stats.Failed != 1 {
		t.Fatalf("expected delivered=1 failed=1, got delivered=%d failed=%d", stats.Delivered, stats.Failed)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := New()
	sub := &recordingSub{}
	s := h.Subscribe("org-a", sub)
	h.Unsubscribe(s)
	h.Unsubscribe(s)
	h.Unsubscribe(nil)

	h.BroadcastToOrg("org-a", Envelope{Type: TypeSignalCreated})
	if got := sub.envelopes(); len(got) != 0 {
		t.Fatalf("unsubscribed subscriber received %d envelopes", len(got))
	}
	if stats := h.Stats(); stats.OrgSubscribers != 0 {
		t.Fatalf("expected 0 org subscribers, got %d", stats.OrgSubscribers)
	}
}

func TestEnvelopeTimestampDefaults(t *testing.T) {
	h := New()
	sub := &recordingSub{}
	h.Subscribe("org-a", sub)
	h.BroadcastToOrg("org-a", Envelope{Type: TypeScanCompleted})
	got := sub.envelopes()
	if len(got) != 1 || got[0].Timestamp == "" {
		t.Fatalf("expected timestamp to be stamped, got %+v", got)
	}
}
