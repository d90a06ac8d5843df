// Package hub fans out realtime envelopes to live subscribers, partitioned by org.
package hub

import (
	"context"
	"sync"
	"time"
)

// Envelope is the wire frame pushed to stream subscribers.
type Envelope struct {
	Type      string `json:"type"`
	OrgID     string `json:"org_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Message types pushed to subscribers.
const (
	TypeSignalCreated         = "SIGNAL_CREATED"
	TypeSignalAcknowledged    = "SIGNAL_ACKNOWLEDGED"
	TypeRiskCreated           = "RISK_CREATED"
	TypeRiskStatusChanged     = "RISK_STATUS_CHANGED"
	TypeRecommendationCreated = "RECOMMENDATION_CREATED"
	TypeAutoRecommendation    = "AUTO_RECOMMENDATION_CREATED"
	TypeRecommendationActed   = "RECOMMENDATION_ACTED"
	TypeScanCompleted         = "SCAN_COMPLETED"
	TypePong                  = "pong"
)

// Subscriber receives envelopes. Send must be safe for concurrent use; a
// returned error counts as a failed delivery for that subscriber only.
type Subscriber interface {
	Send(ctx context.Context, env Envelope) error
}

// Subscription is a handle for unsubscribing.
type Subscription struct {
	id     uint64
	orgID  string
	global bool
	sub    Subscriber
}

// OrgID returns the org the subscription is scoped to (empty for global).
func (s *Subscription) OrgID() string {
	if s == nil {
		return ""
	}
	return s.orgID
}

// Counts is a snapshot of hub activity.
type Counts struct {
	OrgSubscribers    int
	GlobalSubscribers int
	Delivered         uint64
	Failed            uint64
}

// Hub is the in-process connection registry and broadcaster.
type Hub struct {
	Now         func() time.Time
	SendTimeout time.Duration

	mu        sync.Mutex
	nextID    uint64
	orgSubs   map[string]map[uint64]*Subscription
	global    map[uint64]*Subscription
	delivered uint64
	failed    uint64
}

const defaultSendTimeout = 2 * time.Second

func New() *Hub {
	return &Hub{
		Now:         time.Now,
		SendTimeout: defaultSendTimeout,
		orgSubs:     map[string]map[uint64]*Subscription{},
		global:      map[uint64]*Subscription{},
	}
}

// Subscribe registers a subscriber for one org's broadcasts.
func (h *Hub) Subscribe(orgID string, sub Subscriber) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscription{id: h.nextID, orgID: orgID, sub: sub}
	if h.orgSubs[orgID] == nil {
		h.orgSubs[orgID] = map[uint64]*Subscription{}
	}
	h.orgSubs[orgID][s.id] = s
	return s
}

// SubscribeGlobal registers a subscriber for all orgs' broadcasts.
func (h *Hub) SubscribeGlobal(sub Subscriber) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscription{id: h.nextID, global: true, sub: sub}
	h.global[s.id] = s
	return s
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.global {
		delete(h.global, s.id)
		return
	}
	if subs, ok := h.orgSubs[s.orgID]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(h.orgSubs, s.orgID)
		}
	}
}

// BroadcastToOrg delivers an envelope to the org's subscribers and to every
// global subscriber. Failures are counted and never returned.
func (h *Hub) BroadcastToOrg(orgID string, env Envelope) {
	env.OrgID = orgID
	h.deliver(h.snapshot(orgID), env)
}

// BroadcastGlobal delivers an envelope to global subscribers only.
func (h *Hub) BroadcastGlobal(env Envelope) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.global))
	for _, s := range h.global {
		targets = append(targets, s)
	}
	h.mu.Unlock()
	h.deliver(targets, env)
}

// snapshot copies the target set under lock so sends happen outside it.
func (h *Hub) snapshot(orgID string) []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	targets := make([]*Subscription, 0, len(h.orgSubs[orgID])+len(h.global))
	for _, s := range h.orgSubs[orgID] {
		targets = append(targets, s)
	}
	for _, s := range h.global {
		targets = append(targets, s)
	}
	return targets
}

func (h *Hub) deliver(targets []*Subscription, env Envelope) {
	if env.Timestamp == "" {
		now := time.Now
		if h.Now != nil {
			now = h.Now
		}
		env.Timestamp = now().UTC().Format(time.RFC3339)
	}
	timeout := h.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	for _, s := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := s.sub.Send(ctx, env)
		cancel()
		h.mu.Lock()
		if err != nil {
			h.failed++
		} else {
			h.delivered++
		}
		h.mu.Unlock()
	}
}

// Stats returns a snapshot of subscriber and delivery counters.
func (h *Hub) Stats() Counts {
	h.mu.Lock()
	defer h.mu.Unlock()
	var orgTotal int
	for _, subs := range h.orgSubs {
		orgTotal += len(subs)
	}
	return Counts{
		OrgSubscribers:    orgTotal,
		GlobalSubscribers: len(h.global),
		Delivered:         h.delivered,
		Failed:            h.failed,
	}
}
