package security

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"gltchgate/internal/domain"
)

const defaultCodeTTL = 10 * time.Minute

// PairingConfig configures the DM pairing service.
type PairingConfig struct {
	Store   AllowlistStore
	CodeTTL time.Duration
	Logger  *slog.Logger
}

// PairingService issues one-time codes to unknown DM senders and, once a code
// is approved, admits the sender by adding an allowlist entry.
type PairingService struct {
	store   AllowlistStore
	codeTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// pendingCodes maps "channel:account:sender" to its pending code.
	mu           sync.Mutex
	pendingCodes map[string]pendingCode
}

type pendingCode struct {
	Code      string
	ExpiresAt time.Time
}

// NewPairingService creates a PairingService. A nil store gets an in-memory one.
func NewPairingService(cfg PairingConfig) *PairingService {
	if cfg.Store == nil {
		cfg.Store = NewMemoryAllowlist()
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = defaultCodeTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PairingService{
		store:        cfg.Store,
		codeTTL:      cfg.CodeTTL,
		logger:       cfg.Logger,
		now:          time.Now,
		pendingCodes: make(map[string]pendingCode),
	}
}

// Store returns the allowlist the service writes to.
func (ps *PairingService) Store() AllowlistStore { return ps.store }

func pairingKey(channel, accountID, senderID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, accountID, senderID)
}

// GenerateCode returns the pending code for the sender, issuing a new 6-digit
// code when none is pending or the previous one expired.
func (ps *PairingService) GenerateCode(channel, accountID, senderID string) string {
	key := pairingKey(channel, accountID, senderID)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if pc, ok := ps.pendingCodes[key]; ok && ps.now().Before(pc.ExpiresAt) {
		return pc.Code
	}
	code := generateSecureCode(6)
	ps.pendingCodes[key] = pendingCode{Code: code, ExpiresAt: ps.now().Add(ps.codeTTL)}
	ps.logger.Info("pairing code generated", "channel", channel, "account", accountID, "sender", senderID)
	return code
}

// VerifyCode checks the code and, if it matches, adds the sender to the
// allowlist. A wrong or expired code returns false without error.
func (ps *PairingService) VerifyCode(ctx context.Context, channel, accountID, senderID, code, approvedBy string) (bool, error) {
	key := pairingKey(channel, accountID, senderID)

	ps.mu.Lock()
	pending, exists := ps.pendingCodes[key]
	if exists && ps.now().After(pending.ExpiresAt) {
		delete(ps.pendingCodes, key)
		exists = false
	}
	if !exists || pending.Code != code {
		ps.mu.Unlock()
		return false, nil
	}
	delete(ps.pendingCodes, key)
	ps.mu.Unlock()

	err := ps.store.Add(ctx, channel, accountID, domain.AllowlistEntry{
		SenderID: senderID,
		AddedAt:  ps.now(),
		AddedBy:  approvedBy,
		Note:     "paired",
	})
	if err != nil {
		return false, fmt.Errorf("pair sender: %w", err)
	}
	ps.logger.Info("sender paired", "channel", channel, "account", accountID, "sender", senderID)
	return true, nil
}

// PendingCount returns the number of unexpired pending codes.
func (ps *PairingService) PendingCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	n := 0
	for _, pc := range ps.pendingCodes {
		if ps.now().Before(pc.ExpiresAt) {
			n++
		}
	}
	return n
}

// CleanExpiredCodes removes expired pending codes. Call periodically.
func (ps *PairingService) CleanExpiredCodes() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.now()
	for key, pc := range ps.pendingCodes {
		if now.After(pc.ExpiresAt) {
			delete(ps.pendingCodes, key)
		}
	}
}

// generateSecureCode generates a cryptographically random numeric code of the given length.
func generateSecureCode(length int) string {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			code[i] = '0'
			continue
		}
		code[i] = byte('0') + byte(n.Int64())
	}
	return string(code)
}
