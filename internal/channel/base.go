package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gltchgate/internal/bus"
	"gltchgate/internal/domain"
	"gltchgate/internal/metrics"
	"gltchgate/internal/security"
)

// fallbackReply is sent once when routing an engaged message fails.
const fallbackReply = "⚠️ Sorry, I couldn't reach the agent right now. Please try again in a moment."

// BaseConfig configures the adapters every plugin shares.
type BaseConfig struct {
	Meta       domain.ChannelMeta
	Accounts   []domain.ChannelConfig
	Configured func(domain.ChannelConfig) bool
	Events     *bus.EventBus
	// Pairing backs the security and pairing adapters. Nil gets an in-memory service.
	Pairing *security.PairingService
	// NoSecurity drops the security and pairing adapters.
	NoSecurity bool
	Logger     *slog.Logger
}

// Base composes the shared adapters of a plugin: metadata, accounts, status,
// DM security and pairing, plus the inbound dispatch algorithm. Plugins embed
// it and supply only platform glue.
type Base struct {
	meta     domain.ChannelMeta
	accounts *AccountStore
	status   *StatusTracker
	security *PolicySecurity
	pairing  *PairingCodes
	logger   *slog.Logger

	mu     sync.RWMutex
	router domain.Router
}

func newBase(cfg BaseConfig) *Base {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	accounts := NewAccountStore(cfg.Configured, cfg.Accounts...)
	b := &Base{
		meta:     cfg.Meta,
		accounts: accounts,
		status:   NewStatusTracker(cfg.Meta.ID, accounts, cfg.Events),
		logger:   cfg.Logger.With("channel", cfg.Meta.ID),
	}
	if !cfg.NoSecurity {
		ps := cfg.Pairing
		if ps == nil {
			ps = security.NewPairingService(security.PairingConfig{Logger: cfg.Logger})
		}
		b.security = NewPolicySecurity(cfg.Meta.ID, accounts, ps.Store())
		b.pairing = NewPairingCodes(cfg.Meta.ID, ps)
	}
	return b
}

func (b *Base) Meta() domain.ChannelMeta { return b.meta }

func (b *Base) Config() domain.ConfigAdapter { return b.accounts }

func (b *Base) Status() domain.StatusAdapter { return b.status }

func (b *Base) Security() domain.SecurityAdapter {
	if b.security == nil {
		return nil
	}
	return b.security
}

func (b *Base) Pairing() domain.PairingAdapter {
	if b.pairing == nil {
		return nil
	}
	return b.pairing
}

// Accounts exposes the concrete account store.
func (b *Base) Accounts() *AccountStore { return b.accounts }

// Tracker exposes the concrete status tracker.
func (b *Base) Tracker() *StatusTracker { return b.status }

func (b *Base) attach(router domain.Router) {
	b.mu.Lock()
	b.router = router
	b.mu.Unlock()
}

func (b *Base) currentRouter() domain.Router {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.router
}

// connectAll opens every active account with connect. No active accounts is
// success; every failing account is recorded and the errors are joined.
func (b *Base) connectAll(ctx context.Context, connect func(context.Context, domain.ChannelConfig) error) error {
	active := b.accounts.Active()
	if len(active) == 0 {
		b.logger.Info("no accounts configured, channel idle")
		return nil
	}

	var errs []error
	for _, acct := range active {
		b.status.Set(acct.AccountID, domain.StatusConnecting, nil)
		if err := connect(ctx, acct); err != nil {
			b.status.Set(acct.AccountID, domain.StatusError, err)
			b.logger.Error("account connect failed", "account", acct.AccountID, "err", err)
			errs = append(errs, fmt.Errorf("%s/%s: %w", b.meta.ID, acct.AccountID, err))
			continue
		}
		b.status.Set(acct.AccountID, domain.StatusConnected, nil)
		b.logger.Info("account connected", "account", acct.AccountID)
	}
	return errors.Join(errs...)
}

// admitDirect applies the DM policy to a direct-message sender. When the
// sender is refused it returns the notice to send back.
func (b *Base) admitDirect(ctx context.Context, accountID, senderID string) (string, bool) {
	notice, err := admissionReply(ctx, b.Security(), b.Pairing(), accountID, senderID)
	if err != nil {
		b.logger.Error("dm admission check failed", "account", accountID, "sender", senderID, "err", err)
		return "", false
	}
	return notice, notice == ""
}

// admitGroup applies the account's group allow-list.
func (b *Base) admitGroup(accountID, groupID string) bool {
	cfg, _ := b.accounts.ResolveAccount(accountID)
	return Allowed(cfg.AllowGroups, groupID)
}

// Sender delivers one chunk of text to a target.
type Sender func(ctx context.Context, target, text string) domain.OutboundDeliveryResult

// replyPath says where and how the reply to one inbound message is delivered.
type replyPath struct {
	target string
	limit  int
	send   Sender
	// typing, when set, is called once before the agent is asked.
	typing func(ctx context.Context)
}

// notify sends a single notice outside the routing pipeline.
func (b *Base) notify(ctx context.Context, out replyPath, text string) {
	if res := out.send(ctx, out.target, text); !res.Success {
		b.logger.Error("notice send failed", "target", out.target, "err", res.Error)
	}
}

// dispatch routes msg and delivers the reply in platform sized chunks. A
// routing failure is answered with a single fallback message; no error or
// panic escapes to the platform event loop.
func (b *Base) dispatch(ctx context.Context, msg domain.IncomingMessage, out replyPath) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("inbound handler panic", "session", msg.SessionID, "panic", r)
		}
	}()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	router := b.currentRouter()
	if router == nil {
		b.logger.Warn("message dropped, channel not initialized", "session", msg.SessionID)
		return
	}

	b.logger.Info("inbound message", "session", msg.SessionID, "user", msg.UserID, "text_len", len(msg.Text))
	if out.typing != nil {
		out.typing(ctx)
	}

	reply, err := router.Route(ctx, msg)
	if err != nil {
		b.logger.Error("route failed", "session", msg.SessionID, "err", err)
		b.notify(ctx, out, fallbackReply)
		return
	}
	if reply == nil || strings.TrimSpace(reply.Response) == "" {
		return
	}

	for _, chunk := range ChunkForDelivery(reply.Response, out.limit) {
		res := out.send(ctx, out.target, chunk)
		if !res.Success {
			b.logger.Error("reply send failed", "target", out.target, "err", res.Error)
			return
		}
		metrics.ChunksSent.Inc()
	}
}
