package registry

import (
	"context"
	"fmt"
	"time"

	"gltchgate/internal/domain"
)

// ChannelStatus is the health summary of one registered channel.
type ChannelStatus struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Icon         string                 `json:"icon,omitempty"`
	DeliveryMode domain.DeliveryMode    `json:"delivery_mode"`
	Enabled      bool                   `json:"enabled"`
	Adapters     []string               `json:"adapters"`
	LoadedAt     time.Time              `json:"loaded_at"`
	Account      domain.AccountSnapshot `json:"account"`
}

// GetStatus summarizes every registered channel in registration order. The
// snapshot is the first known account's, synthesized from the enabled flag
// when the plugin has no Status Adapter, and an error snapshot when the
// Status Adapter fails.
func (r *Registry) GetStatus() []ChannelStatus {
	plugins := r.List()
	out := make([]ChannelStatus, 0, len(plugins))
	for _, rp := range plugins {
		meta := rp.Plugin.Meta()
		out = append(out, ChannelStatus{
			ID:           meta.ID,
			Name:         meta.Name,
			Icon:         meta.Icon,
			DeliveryMode: meta.DeliveryMode,
			Enabled:      rp.Enabled(),
			Adapters:     rp.Adapters.Names(),
			LoadedAt:     rp.LoadedAt,
			Account:      r.snapshot(rp),
		})
	}
	return out
}

func (r *Registry) snapshot(rp *RegisteredPlugin) (snap domain.AccountSnapshot) {
	accountID := ""
	if ids := rp.Plugin.Config().ListAccountIDs(); len(ids) > 0 {
		accountID = ids[0]
	}

	sp, ok := rp.Plugin.(domain.StatusProvider)
	if !ok || !rp.Adapters.Has(domain.AdapterStatus) {
		status := domain.StatusDisconnected
		if rp.Enabled() {
			status = domain.StatusConnected
		}
		return domain.AccountSnapshot{ID: accountID, Status: status, Enabled: rp.Enabled()}
	}
	if accountID == "" {
		return domain.AccountSnapshot{Status: domain.StatusDisconnected, Enabled: rp.Enabled()}
	}

	defer func() {
		if rec := recover(); rec != nil {
			snap = domain.AccountSnapshot{ID: accountID, Status: domain.StatusError, Error: fmt.Sprint(rec)}
		}
	}()
	s, err := sp.Status().Snapshot(accountID)
	if err != nil {
		r.logger.Warn("status snapshot failed", "channel", rp.ID(), "account", accountID, "err", err)
		return domain.AccountSnapshot{ID: accountID, Status: domain.StatusError, Error: err.Error()}
	}
	return s
}

// Accounts returns a snapshot of every account of channel id.
func (r *Registry) Accounts(id string) ([]domain.AccountSnapshot, error) {
	rp, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotRegistered)
	}
	sp, ok := rp.Plugin.(domain.StatusProvider)
	if !ok || !rp.Adapters.Has(domain.AdapterStatus) {
		return nil, fmt.Errorf("%s status: %w", id, ErrUnsupported)
	}
	var out []domain.AccountSnapshot
	for _, acct := range rp.Plugin.Config().ListAccountIDs() {
		s, err := sp.Status().Snapshot(acct)
		if err != nil {
			s = domain.AccountSnapshot{ID: acct, Status: domain.StatusError, Error: err.Error()}
		}
		out = append(out, s)
	}
	return out, nil
}

// Restart stops and starts one account of a gateway-mode channel.
func (r *Registry) Restart(ctx context.Context, id, accountID string) error {
	rp, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotRegistered)
	}
	gp, ok := rp.Plugin.(domain.GatewayProvider)
	if !ok || !rp.Adapters.Has(domain.AdapterGateway) {
		return fmt.Errorf("%s gateway: %w", id, ErrUnsupported)
	}
	gw := gp.Gateway()
	if err := gw.Stop(ctx, accountID); err != nil {
		r.logger.Warn("account stop failed", "channel", id, "account", accountID, "err", err)
	}
	if err := gw.Start(ctx, accountID); err != nil {
		return fmt.Errorf("%s/%s start: %w", id, accountID, err)
	}
	r.logger.Info("account restarted", "channel", id, "account", accountID)
	return nil
}

// Approve approves a pairing code for a DM sender of channel id.
func (r *Registry) Approve(ctx context.Context, id, accountID, senderID, code string) (bool, error) {
	rp, ok := r.Get(id)
	if !ok {
		return false, fmt.Errorf("%s: %w", id, ErrNotRegistered)
	}
	pp, ok := rp.Plugin.(domain.PairingProvider)
	if !ok || !rp.Adapters.Has(domain.AdapterPairing) {
		return false, fmt.Errorf("%s pairing: %w", id, ErrUnsupported)
	}
	return pp.Pairing().Approve(ctx, accountID, senderID, code)
}
