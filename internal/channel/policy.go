package channel

import (
	"context"

	"gltchgate/internal/domain"
	"gltchgate/internal/security"
)

// PolicySecurity is the shared Security Adapter. open admits every DM sender,
// closed admits only the account's static allowFrom list, pairing admits
// allowFrom plus the persisted allowlist.
type PolicySecurity struct {
	channelID string
	accounts  *AccountStore
	store     security.AllowlistStore
}

func NewPolicySecurity(channelID string, accounts *AccountStore, store security.AllowlistStore) *PolicySecurity {
	if store == nil {
		store = security.NewMemoryAllowlist()
	}
	return &PolicySecurity{channelID: channelID, accounts: accounts, store: store}
}

func (p *PolicySecurity) ResolveDmPolicy(accountID string) domain.DmPolicy {
	cfg, ok := p.accounts.ResolveAccount(accountID)
	if !ok || !cfg.DmPolicy.Valid() {
		return domain.DmOpen
	}
	return cfg.DmPolicy
}

func (p *PolicySecurity) IsAllowed(ctx context.Context, accountID, senderID string) (bool, error) {
	policy := p.ResolveDmPolicy(accountID)
	if policy == domain.DmOpen {
		return true, nil
	}
	cfg, _ := p.accounts.ResolveAccount(accountID)
	for _, id := range cfg.AllowFrom {
		if id == senderID {
			return true, nil
		}
	}
	if policy == domain.DmClosed {
		return false, nil
	}
	return p.store.Contains(ctx, p.channelID, accountID, senderID)
}

// Allowlist lists static allowFrom senders followed by the persisted entries.
func (p *PolicySecurity) Allowlist(ctx context.Context, accountID string) ([]domain.AllowlistEntry, error) {
	cfg, _ := p.accounts.ResolveAccount(accountID)
	out := make([]domain.AllowlistEntry, 0, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		out = append(out, domain.AllowlistEntry{SenderID: id, AddedBy: "config"})
	}
	stored, err := p.store.List(ctx, p.channelID, accountID)
	if err != nil {
		return nil, err
	}
	return append(out, stored...), nil
}

// PairingCodes is the shared Pairing Adapter over a security.PairingService.
type PairingCodes struct {
	channelID string
	service   *security.PairingService
}

func NewPairingCodes(channelID string, service *security.PairingService) *PairingCodes {
	return &PairingCodes{channelID: channelID, service: service}
}

func (p *PairingCodes) RequestCode(accountID, senderID string) string {
	return p.service.GenerateCode(p.channelID, accountID, senderID)
}

func (p *PairingCodes) Approve(ctx context.Context, accountID, senderID, code string) (bool, error) {
	return p.service.VerifyCode(ctx, p.channelID, accountID, senderID, code, "operator")
}

// admissionReply is the text sent to a DM sender that was not admitted, or
// "" when the sender may proceed.
func admissionReply(ctx context.Context, sec domain.SecurityAdapter, pairing domain.PairingAdapter, accountID, senderID string) (string, error) {
	if sec == nil {
		return "", nil
	}
	ok, err := sec.IsAllowed(ctx, accountID, senderID)
	if err != nil {
		return "", err
	}
	if ok {
		return "", nil
	}
	if sec.ResolveDmPolicy(accountID) == domain.DmPairing && pairing != nil {
		code := pairing.RequestCode(accountID, senderID)
		return "🔐 You are not paired with this assistant yet.\nAsk the operator to approve pairing code: " + code, nil
	}
	return "⛔ This assistant is not accepting direct messages from you.", nil
}
