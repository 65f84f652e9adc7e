package services

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/metrics"
	"github.com/parsec-cloud/go-parsec-server/types"
)

const eventBusShards = 32

// Subscriber is one live event stream attached to an authenticated device.
// Events are delivered through a bounded channel; a subscriber too slow to
// drain its buffer is closed and must reconnect with a fresh certificate
// poll, which is how missed events are recovered.
type Subscriber struct {
	Org     types.OrganizationID
	User    types.UserID
	Ch      chan types.Event
	shard   *busShard
	closeMu sync.Mutex
	closed  bool
}

// Close detaches the subscriber and closes its channel. Safe to call twice.
func (s *Subscriber) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.shard.remove(s)
	close(s.Ch)
}

type busShard struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

func (sh *busShard) remove(s *Subscriber) {
	sh.mu.Lock()
	delete(sh.subs, s)
	sh.mu.Unlock()
}

// EventService fans organization events out to SSE subscribers. Organizations
// are hashed onto a fixed set of shards so that publishing in one
// organization does not contend with unrelated ones.
type EventService struct {
	shards [eventBusShards]*busShard
}

func NewEventService() *EventService {
	es := &EventService{}
	for i := range es.shards {
		es.shards[i] = &busShard{subs: make(map[*Subscriber]struct{})}
	}
	return es
}

func (es *EventService) shard(org types.OrganizationID) *busShard {
	return es.shards[xxhash.Sum64String(string(org))%eventBusShards]
}

// Subscribe attaches a stream for one device of the organization.
func (es *EventService) Subscribe(org types.OrganizationID, user types.UserID) *Subscriber {
	buffer := global.Conf.SSE.BufferSize
	if buffer <= 0 {
		buffer = 128
	}
	sh := es.shard(org)
	sub := &Subscriber{
		Org:   org,
		User:  user,
		Ch:    make(chan types.Event, buffer),
		shard: sh,
	}
	sh.mu.Lock()
	sh.subs[sub] = struct{}{}
	sh.mu.Unlock()
	return sub
}

// Publish delivers the event to every subscriber of the organization allowed
// to see it. Slow subscribers are disconnected rather than blocked on.
func (es *EventService) Publish(org types.OrganizationID, event types.Event) {
	switch event.(type) {
	case types.EventCommonCertificate, types.EventRealmCertificate,
		types.EventSequesterCertificate, types.EventShamirRecoveryCertificate:
		metrics.CertificatesAppendedMetricsCount.Inc()
	}
	sh := es.shard(org)
	sh.mu.RLock()
	var overflowed []*Subscriber
	for sub := range sh.subs {
		if sub.Org != org || !eventVisibleTo(event, sub.User) {
			continue
		}
		select {
		case sub.Ch <- event:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	sh.mu.RUnlock()
	for _, sub := range overflowed {
		global.Logger.Log("msg", "event subscriber overflow, disconnecting", "organization", string(org))
		metrics.SseOverflowMetricsCount.Inc()
		sub.Close()
	}
}

// eventVisibleTo restricts targeted events to their audience: realm
// certificates and vlob changes concern only the realm members, shamir
// recovery certificates only the share recipients, invitation status
// changes only the greeter.
func eventVisibleTo(event types.Event, user types.UserID) bool {
	switch e := event.(type) {
	case types.EventRealmCertificate:
		return containsUser(e.Members, user)
	case types.EventVlobCreated:
		return containsUser(e.Members, user)
	case types.EventVlobUpdated:
		return containsUser(e.Members, user)
	case types.EventShamirRecoveryCertificate:
		return containsUser(e.Recipients, user)
	case types.EventInvitation:
		return e.Greeter == user
	case types.EventGreetingAttempt:
		return e.Greeter == user
	default:
		return true
	}
}

func containsUser(users []types.UserID, user types.UserID) bool {
	for _, u := range users {
		if u == user {
			return true
		}
	}
	return false
}
