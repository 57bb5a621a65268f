package channel

import (
	"fmt"
	"strings"
	"sync"

	"gltchgate/internal/domain"
)

// DefaultAccountID names the account of a single-account channel.
const DefaultAccountID = "default"

// AccountStore is the shared Config Adapter: a set of ChannelConfig keyed by
// account id, listed in insertion order.
type AccountStore struct {
	mu         sync.RWMutex
	accounts   map[string]domain.ChannelConfig
	order      []string
	configured func(domain.ChannelConfig) bool
}

// NewAccountStore creates a store. configured decides whether an account has
// the credentials its platform needs.
func NewAccountStore(configured func(domain.ChannelConfig) bool, accounts ...domain.ChannelConfig) *AccountStore {
	if configured == nil {
		configured = func(domain.ChannelConfig) bool { return true }
	}
	s := &AccountStore{
		accounts:   make(map[string]domain.ChannelConfig),
		configured: configured,
	}
	for _, a := range accounts {
		s.SetConfig(a)
	}
	return s
}

func (s *AccountStore) ListAccountIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *AccountStore) ResolveAccount(accountID string) (domain.ChannelConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.accounts[accountID]
	return cfg, ok
}

// SetConfig creates or replaces an account. An empty account id means DefaultAccountID.
func (s *AccountStore) SetConfig(cfg domain.ChannelConfig) {
	cfg.AccountID = strings.TrimSpace(cfg.AccountID)
	if cfg.AccountID == "" {
		cfg.AccountID = DefaultAccountID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[cfg.AccountID]; !exists {
		s.order = append(s.order, cfg.AccountID)
	}
	s.accounts[cfg.AccountID] = cfg
}

func (s *AccountStore) SetEnabled(accountID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("unknown account %q", accountID)
	}
	cfg.Enabled = enabled
	s.accounts[accountID] = cfg
	return nil
}

func (s *AccountStore) Delete(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return false
	}
	delete(s.accounts, accountID)
	for i, id := range s.order {
		if id == accountID {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *AccountStore) IsConfigured(cfg domain.ChannelConfig) bool {
	return s.configured(cfg)
}

// Active returns the accounts that are both enabled and configured.
func (s *AccountStore) Active() []domain.ChannelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ChannelConfig
	for _, id := range s.order {
		cfg := s.accounts[id]
		if cfg.Enabled && s.configured(cfg) {
			out = append(out, cfg)
		}
	}
	return out
}

// First returns the first known account.
func (s *AccountStore) First() (domain.ChannelConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return domain.ChannelConfig{}, false
	}
	return s.accounts[s.order[0]], true
}

func hasToken(cfg domain.ChannelConfig) bool {
	return strings.TrimSpace(cfg.Token) != ""
}
