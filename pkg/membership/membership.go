// Package membership implements the authenticated gossip Cluster
// Membership component (C4): a live peer table maintained by periodic
// signed heartbeats pushed between peers, with suspect/eviction failure
// detection. The wire message is canonical CBOR, the same encoding
// discipline the teacher uses for content hashing in pkg/core/hash.go,
// applied here to sign gossip bytes instead of DAG objects.
package membership

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"anvil/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

var canonicalEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Heartbeat is the signed gossip message carried as the Heartbeat RPC
// payload (§6). Signature is computed over the canonical CBOR encoding of
// every other field.
type Heartbeat struct {
	PeerID         types.PeerID `cbor:"peer_id"`
	TransportAddrs []string     `cbor:"transport_addrs"`
	APIAddr        string       `cbor:"api_addr"`
	Timestamp      int64        `cbor:"timestamp"`
	Signature      []byte       `cbor:"signature"`
}

// signingBytes returns the canonical CBOR encoding of the message with the
// signature field zeroed, so signing and verification operate on the same
// bytes regardless of the signature's current value.
func signingBytes(h Heartbeat) ([]byte, error) {
	h.Signature = nil
	return canonicalEncMode.Marshal(h)
}

// Sign computes the HMAC-SHA256 signature over h's canonical encoding and
// returns a copy of h with Signature populated.
func Sign(h Heartbeat, secret []byte) (Heartbeat, error) {
	b, err := signingBytes(h)
	if err != nil {
		return Heartbeat{}, fmt.Errorf("membership: encoding heartbeat: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(b)
	h.Signature = mac.Sum(nil)
	return h, nil
}

// Verify reports whether h's signature matches the given secret.
func Verify(h Heartbeat, secret []byte) bool {
	b, err := signingBytes(h)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(b)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, h.Signature)
}

// PeerRecord is what the live table remembers about a peer.
type PeerRecord struct {
	ID             types.PeerID
	TransportAddrs []string
	APIAddr        string
	Capabilities   []string
	LastSeen       time.Time
	Suspect        bool
}

// Sender pushes a signed heartbeat to a single peer address; the
// transport package supplies the real gRPC implementation, keeping this
// package free of a transport dependency so it can be unit tested with a
// fake.
type Sender interface {
	SendHeartbeat(ctx context.Context, addr string, h Heartbeat) error
}

// Table is the live peer table, guarded by a single RWMutex as required by
// §5's shared-resources rule: readers copy records out before any
// suspension point rather than holding the lock across one.
type Table struct {
	mu    sync.RWMutex
	peers map[types.PeerID]PeerRecord

	self              Heartbeat
	secret            []byte
	heartbeatInterval time.Duration
	livenessWindow    time.Duration
	evictionWindow    time.Duration
	freshnessWindow   time.Duration

	sender Sender
	logger *slog.Logger

	bootstrapAddrs []string
}

// Option configures optional Table behavior.
type Option func(*Table)

// WithFreshnessWindow overrides the default 30s heartbeat freshness window.
func WithFreshnessWindow(d time.Duration) Option { return func(t *Table) { t.freshnessWindow = d } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(t *Table) { t.logger = l } }

// New builds a Table for the local peer described by self, signing
// heartbeats with secret and pushing them through sender.
func New(self Heartbeat, secret []byte, heartbeatInterval, livenessWindow, evictionWindow time.Duration, bootstrapAddrs []string, sender Sender, opts ...Option) *Table {
	t := &Table{
		peers:             make(map[types.PeerID]PeerRecord),
		self:              self,
		secret:            secret,
		heartbeatInterval: heartbeatInterval,
		livenessWindow:    livenessWindow,
		evictionWindow:    evictionWindow,
		freshnessWindow:   30 * time.Second,
		sender:            sender,
		logger:            slog.Default(),
		bootstrapAddrs:    bootstrapAddrs,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Upsert validates and applies an incoming heartbeat, per §4.4's receiver
// rules. It returns false (and leaves the table unchanged) when the
// message's timestamp is more than the freshness window away from now (in
// either direction) or its signature doesn't verify.
func (t *Table) Upsert(h Heartbeat, now time.Time) bool {
	age := now.Unix() - h.Timestamp
	skew := age
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > t.freshnessWindow {
		t.logger.Warn("dropping stale heartbeat", "peer", string(h.PeerID), "age_s", age)
		return false
	}
	if !Verify(h, t.secret) {
		t.logger.Warn("dropping heartbeat with invalid signature", "peer", string(h.PeerID))
		return false
	}

	t.mu.Lock()
	t.peers[h.PeerID] = PeerRecord{
		ID:             h.PeerID,
		TransportAddrs: h.TransportAddrs,
		APIAddr:        h.APIAddr,
		LastSeen:       now,
		Suspect:        false,
	}
	t.mu.Unlock()
	return true
}

// Live returns a snapshot of peers within the liveness window, excluding
// suspect peers — the set new placement decisions draw from.
func (t *Table) Live(now time.Time) []PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PeerRecord, 0, len(t.peers))
	for _, p := range t.peers {
		if now.Sub(p.LastSeen) <= t.livenessWindow && !p.Suspect {
			out = append(out, p)
		}
	}
	return out
}

// All returns every peer the table has ever heard from, including suspect
// ones — used for read fallback, which may still reach a suspect peer.
func (t *Table) All() []PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PeerRecord, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Sweep marks peers outside the liveness window as suspect, and evicts
// peers outside the eviction window entirely. Called periodically by the
// same goroutine that drives the heartbeat push loop.
func (t *Table) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, p := range t.peers {
		age := now.Sub(p.LastSeen)
		switch {
		case age > t.evictionWindow:
			delete(t.peers, id)
		case age > t.livenessWindow:
			p.Suspect = true
			t.peers[id] = p
		}
	}
}

// Run drives the periodic push-heartbeat loop and liveness sweep until ctx
// is cancelled. It dials bootstrap addresses once on entry.
func (t *Table) Run(ctx context.Context) error {
	t.bootstrap(ctx)

	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			t.Sweep(now)
			t.pushAll(ctx, now)
		}
	}
}

func (t *Table) bootstrap(ctx context.Context) {
	for _, addr := range t.bootstrapAddrs {
		h, err := Sign(t.freshSelf(), t.secret)
		if err != nil {
			t.logger.Error("signing bootstrap heartbeat", "error", err)
			continue
		}
		if err := t.sender.SendHeartbeat(ctx, addr, h); err != nil {
			t.logger.Warn("bootstrap heartbeat failed", "addr", addr, "error", err)
		}
	}
}

func (t *Table) pushAll(ctx context.Context, now time.Time) {
	h, err := Sign(t.freshSelf(), t.secret)
	if err != nil {
		t.logger.Error("signing heartbeat", "error", err)
		return
	}

	targets := t.All()
	for _, addr := range t.bootstrapAddrs {
		targets = append(targets, PeerRecord{TransportAddrs: []string{addr}})
	}

	for _, p := range targets {
		for _, addr := range p.TransportAddrs {
			go func(addr string) {
				sendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := t.sender.SendHeartbeat(sendCtx, addr, h); err != nil {
					t.logger.Debug("heartbeat push failed", "addr", addr, "error", err)
				}
			}(addr)
		}
	}
}

func (t *Table) freshSelf() Heartbeat {
	h := t.self
	h.Timestamp = time.Now().Unix()
	return h
}
