// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package h2engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Dialer produces a fresh Transport to authority (host[:port]). It is
// the injected collaborator a Pool needs to grow: dialing, TLS, and
// ALPN negotiation all live on the caller's side of this interface,
// per spec §1's scope boundary.
type Dialer interface {
	DialContext(ctx context.Context, authority string) (Transport, error)
}

// DialerFunc adapts a plain function into a Dialer.
type DialerFunc func(ctx context.Context, authority string) (Transport, error)

func (f DialerFunc) DialContext(ctx context.Context, authority string) (Transport, error) {
	return f(ctx, authority)
}

// Pool is the ambient cache-of-open-sessions every real HTTP/2 client
// needs, grounded in the teacher's own
// Transport.getClientConn/addConn/removeClientConn machinery but
// generalized to hand out a *Session instead of a *clientConn. It is
// not the process-level request queue spec.md's Non-goals exclude: no
// retry or cross-connection priority scheduling happens here, only
// connection reuse.
type Pool struct {
	dialer Dialer

	mu    sync.Mutex
	byKey map[string][]*Session

	nextConnID uint64
}

func NewPool(dialer Dialer) *Pool {
	return &Pool{dialer: dialer, byKey: make(map[string][]*Session)}
}

// Get returns a reusable Session for authority if one is cached,
// otherwise dials a fresh one via the Pool's Dialer, performs the
// HTTP/2 handshake, and caches it.
func (p *Pool) Get(ctx context.Context, authority string) (*Session, error) {
	p.mu.Lock()
	for _, sess := range p.byKey[authority] {
		if sess.IsReusable() {
			p.mu.Unlock()
			return sess, nil
		}
	}
	p.mu.Unlock()

	t, err := p.dialer.DialContext(ctx, authority)
	if err != nil {
		return nil, fmt.Errorf("h2engine: dial %s: %w", authority, err)
	}
	connID := atomic.AddUint64(&p.nextConnID, 1)
	sess, err := NewSession(connID, t)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("h2engine: handshake with %s: %w", authority, err)
	}

	p.mu.Lock()
	p.byKey[authority] = append(p.byKey[authority], sess)
	p.mu.Unlock()

	go p.evictOnClose(authority, sess)
	return sess, nil
}

// evictOnClose removes sess from the pool once it tears down, whether
// by graceful CloseAsync or by a connection-fatal error.
func (p *Pool) evictOnClose(authority string, sess *Session) {
	<-sess.Done()
	p.mu.Lock()
	sessions := p.byKey[authority]
	for i, s := range sessions {
		if s == sess {
			p.byKey[authority] = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	if len(p.byKey[authority]) == 0 {
		delete(p.byKey, authority)
	}
	p.mu.Unlock()
}

// Evict forcibly removes and closes every session pooled for
// authority, e.g. after a caller observes repeated failures against it.
func (p *Pool) Evict(ctx context.Context, authority string) {
	p.mu.Lock()
	sessions := p.byKey[authority]
	delete(p.byKey, authority)
	p.mu.Unlock()

	for _, sess := range sessions {
		sess.CloseAsync(ctx)
	}
}

// Len reports how many sessions the pool currently has cached for
// authority, regardless of reusability; mainly useful from tests.
func (p *Pool) Len(authority string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey[authority])
}
