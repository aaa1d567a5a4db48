package submission

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/launchguard/launchguard/internal/errors"
)

// NonceFetcher returns the provider's pending nonce for an address.
type NonceFetcher func(ctx context.Context, addr common.Address) (uint64, error)

// NonceManager allows at most one in-flight reservation per address. A
// reservation ends with Commit after a successful broadcast or Release
// after a failure.
type NonceManager struct {
	mu       sync.Mutex
	inFlight map[common.Address]*uint64
	next     map[common.Address]uint64
}

func NewNonceManager() *NonceManager {
	return &NonceManager{inFlight: map[common.Address]*uint64{}, next: map[common.Address]uint64{}}
}

// Reserve claims the address, then resolves the nonce as the larger of the
// provider's pending nonce and the last committed nonce + 1. A second
// Reserve for the same address before Commit or Release fails with a
// nonce collision.
func (m *NonceManager) Reserve(ctx context.Context, addr common.Address, fetch NonceFetcher) (uint64, error) {
	m.mu.Lock()
	if _, busy := m.inFlight[addr]; busy {
		m.mu.Unlock()
		return 0, clierr.NonceCollision(addr.Hex())
	}
	m.inFlight[addr] = nil
	m.mu.Unlock()

	pending, err := fetch(ctx, addr)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.inFlight, addr)
		if _, ok := clierr.As(err); ok {
			return 0, err
		}
		return 0, clierr.Wrap(clierr.CodeUnavailable, "fetch pending nonce", err)
	}
	nonce := pending
	if n, ok := m.next[addr]; ok && n > nonce {
		nonce = n
	}
	m.inFlight[addr] = &nonce
	return nonce, nil
}

func (m *NonceManager) Commit(addr common.Address, nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(addr, nonce)
	if nonce+1 > m.next[addr] {
		m.next[addr] = nonce + 1
	}
}

func (m *NonceManager) Release(addr common.Address, nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(addr, nonce)
}

func (m *NonceManager) release(addr common.Address, nonce uint64) {
	if cur, ok := m.inFlight[addr]; ok && cur != nil && *cur == nonce {
		delete(m.inFlight, addr)
	}
}

// InFlight reports whether addr holds a reservation.
func (m *NonceManager) InFlight(addr common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inFlight[addr]
	return ok
}
