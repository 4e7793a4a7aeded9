// Package observe implements RFC 7641 Observe bookkeeping: subscription
// registration/deregistration keyed by (peer, token, path), monotonic
// notification sequencing, and removal on RST, retransmission exhaustion,
// or resource deletion. Grounded on
// _examples/other_examples/2639131b_matrix-org-lb__coap_observe.go.go's
// Observations bridge (registration/removal keyed by client+path+token,
// RST-triggers-removal) and original_source/coapthon/server/
// coap_protocol.py's notify/notify_deletion/remove_observers methods.
package observe

import (
	"net/netip"
	"sync"

	"golang.org/x/time/rate"

	"coapserver/internal/coap"
	"coapserver/internal/resource"
	"coapserver/internal/telemetry/metrics"

	"github.com/rs/xid"
)

// Key identifies one observe relation, per RFC 7641 §3.1: a client
// observes a specific resource using a specific token.
type Key struct {
	Peer  netip.AddrPort
	Token string
	Path  string
}

// Observer is one registered subscription.
type Observer struct {
	ID    xid.ID // log-correlation only; Key is the real identity
	Key   Key
	Token []byte

	// Limiter paces how often this relation is sent a fresh CON
	// notification when its resource mutates in a tight loop.
	Limiter *rate.Limiter
}

// Notifier sends an unsolicited CoAP message to a peer; *server.Server
// implements it.
type Notifier interface {
	NotifyPeer(peer netip.AddrPort, m *coap.Message) error
}

// Registry tracks every active observe relation across all resources.
type Registry struct {
	mu        sync.Mutex
	observers map[Key]*Observer
	byPath    map[string]map[Key]struct{}

	notifier Notifier
	metrics  *metrics.Registry
}

// New builds an empty Registry.
func New(n Notifier, reg *metrics.Registry) *Registry {
	return &Registry{
		observers: make(map[Key]*Observer),
		byPath:    make(map[string]map[Key]struct{}),
		notifier:  n,
		metrics:   reg,
	}
}

// Register adds or refreshes a subscription for (peer, token, path), per
// an inbound GET with Observe=0.
func (r *Registry) Register(peer netip.AddrPort, token []byte, path string) *Observer {
	key := Key{Peer: peer, Token: string(token), Path: path}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.observers[key]; ok {
		return existing
	}

	obs := &Observer{
		ID:      xid.New(),
		Key:     key,
		Token:   coap.CloneToken(token),
		Limiter: rate.NewLimiter(rate.Limit(4), 4), // at most 4 CON notifications/sec per relation
	}
	r.observers[key] = obs
	if r.byPath[path] == nil {
		r.byPath[path] = make(map[Key]struct{})
	}
	r.byPath[path][key] = struct{}{}
	if r.metrics != nil {
		r.metrics.ObserversActive.Inc()
	}
	return obs
}

// Deregister removes a subscription, per an inbound GET with Observe=1,
// or when the server detects the observer is unreachable (RST response
// to a notification, or MAX_RETRANSMIT exhaustion, per RFC 7641 §3.6/4.5).
func (r *Registry) Deregister(peer netip.AddrPort, token []byte, path string) {
	key := Key{Peer: peer, Token: string(token), Path: path}
	r.remove(key)
}

func (r *Registry) remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.observers[key]; !ok {
		return
	}
	delete(r.observers, key)
	if set, ok := r.byPath[key.Path]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(r.byPath, key.Path)
		}
	}
	if r.metrics != nil {
		r.metrics.ObserversActive.Dec()
	}
}

// RemoveByPeerAndToken drops whatever single relation matches a RST
// response's (peer, token), regardless of path, the Go analogue of
// coap_protocol.py's remove_observers triggered from a Reset message.
func (r *Registry) RemoveByPeerAndToken(peer netip.AddrPort, token []byte) {
	tok := string(token)
	r.mu.Lock()
	var match *Key
	for k := range r.observers {
		if k.Peer == peer && k.Token == tok {
			kk := k
			match = &kk
			break
		}
	}
	r.mu.Unlock()
	if match != nil {
		r.remove(*match)
	}
}

// NotifyDeletion removes every observer of path and sends each one a
// final 4.04 Not Found notification, per coap_protocol.py's
// notify_deletion.
func (r *Registry) NotifyDeletion(path string, mid func() uint16) {
	for _, obs := range r.observersOf(path) {
		m := &coap.Message{
			Type:  coap.TypeConfirmable,
			Code:  coap.NotFound,
			MID:   mid(),
			Token: obs.Token,
		}
		r.notifier.NotifyPeer(obs.Key.Peer, m)
		r.remove(obs.Key)
	}
}

// Notify sends a fresh representation of res to every observer of its
// path, stamping the Observe option with res's current sequence number,
// per RFC 7641 §4.2. Relations whose Limiter denies the send are skipped
// for this round rather than dropped.
func (r *Registry) Notify(res *resource.Resource, mid func() uint16) {
	seq := res.Seq()
	for _, obs := range r.observersOf(res.Path) {
		if !obs.Limiter.Allow() {
			continue
		}
		m := &coap.Message{
			Type:  coap.TypeConfirmable,
			Code:  coap.Content,
			MID:   mid(),
			Token: obs.Token,
			Options: coap.Options{
				{Number: coap.OptionObserve, Value: uint64(seq)},
				{Number: coap.OptionContentFormat, Value: res.ContentFormat},
			},
			Payload: res.Payload,
		}
		r.notifier.NotifyPeer(obs.Key.Peer, m)
	}
}

func (r *Registry) observersOf(path string) []*Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byPath[path]
	out := make([]*Observer, 0, len(set))
	for k := range set {
		out = append(out, r.observers[k])
	}
	return out
}

// Count reports the number of active relations, for tests.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}
