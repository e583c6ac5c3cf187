package perp

import (
	"fmt"
	"sync"
)

// AccessController is the capability-check layer consulted at the start of
// every public operation. Implementations are supplied by the embedding
// service; the engine never manages identities itself.
type AccessController interface {
	IsPoolAdmin(account string) bool
	IsKeeper(account string) bool
	IsBlacklisted(account string) bool
}

// StaticAccessList is an in-memory AccessController for daemons and tests.
type StaticAccessList struct {
	mu        sync.RWMutex
	admins    map[string]bool
	keepers   map[string]bool
	blacklist map[string]bool
}

// NewStaticAccessList builds an access list from initial admin and keeper sets.
func NewStaticAccessList(admins, keepers []string) *StaticAccessList {
	l := &StaticAccessList{
		admins:    make(map[string]bool),
		keepers:   make(map[string]bool),
		blacklist: make(map[string]bool),
	}
	for _, a := range admins {
		l.admins[a] = true
	}
	for _, k := range keepers {
		l.keepers[k] = true
	}
	return l
}

func (l *StaticAccessList) IsPoolAdmin(account string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.admins[account]
}

func (l *StaticAccessList) IsKeeper(account string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.keepers[account]
}

func (l *StaticAccessList) IsBlacklisted(account string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blacklist[account]
}

// Blacklist marks an account as blocked from trading.
func (l *StaticAccessList) Blacklist(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blacklist[account] = true
}

// AddKeeper grants the keeper role.
func (l *StaticAccessList) AddKeeper(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keepers[account] = true
}

// requireAdmin gates pool-admin operations.
func (e *Engine) requireAdmin(account string) error {
	if !e.access.IsPoolAdmin(account) {
		return fmt.Errorf("%w: %s", ErrNotPoolAdmin, account)
	}
	return nil
}

// requireKeeper gates execution and liquidation entry points.
func (e *Engine) requireKeeper(account string) error {
	if !e.access.IsKeeper(account) {
		return fmt.Errorf("%w: %s", ErrNotKeeper, account)
	}
	return nil
}

// requireTrader gates order submission.
func (e *Engine) requireTrader(account string) error {
	if account == "" {
		return fmt.Errorf("%w: empty account", ErrInvalidAmount)
	}
	if e.access.IsBlacklisted(account) {
		return fmt.Errorf("%w: %s", ErrBlacklisted, account)
	}
	return nil
}
