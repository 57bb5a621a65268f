package registry

import (
	"context"
	"errors"
	"fmt"

	"gltchgate/internal/channel"
	"gltchgate/internal/domain"
	"gltchgate/internal/metrics"
)

// FindByTargetID returns the first registered plugin whose normalizer claims
// target. Ambiguous targets resolve to the earliest registration.
func (r *Registry) FindByTargetID(target string) (*RegisteredPlugin, bool) {
	for _, rp := range r.List() {
		if rp.Plugin.Normalize().LooksLikeTargetID(target) {
			return rp, true
		}
	}
	return nil, false
}

// resolveOutbound picks the plugin that delivers to target and validates the
// target with it. channelID selects the plugin; when empty the plugin is found
// by FindByTargetID.
func (r *Registry) resolveOutbound(channelID, target string) (*RegisteredPlugin, error) {
	var rp *RegisteredPlugin
	if channelID != "" {
		p, ok := r.Get(channelID)
		if !ok {
			return nil, fmt.Errorf("%s: %w", channelID, ErrNotRegistered)
		}
		rp = p
	} else {
		p, ok := r.FindByTargetID(target)
		if !ok {
			return nil, fmt.Errorf("%q: %w", target, ErrNoPlugin)
		}
		rp = p
	}
	if !rp.Enabled() {
		return nil, fmt.Errorf("%s: %w", rp.ID(), ErrChannelDisabled)
	}
	if _, err := rp.Plugin.Normalize().ParseTargetID(target); err != nil {
		return nil, err
	}
	return rp, nil
}

// Send delivers text to target in platform sized chunks. Sending stops at the
// first failed chunk, whose result is the last one returned.
func (r *Registry) Send(ctx context.Context, channelID, target, text string) ([]domain.OutboundDeliveryResult, error) {
	rp, err := r.resolveOutbound(channelID, target)
	if err != nil {
		return nil, err
	}

	out := rp.Plugin.Outbound()
	limit := out.TextChunkLimit()
	if limit <= 0 {
		limit = 2000
	}
	var results []domain.OutboundDeliveryResult
	for _, chunk := range channel.ChunkForDelivery(text, limit) {
		res := out.SendText(ctx, target, chunk)
		results = append(results, res)
		if !res.Success {
			r.logger.Warn("outbound send failed", "channel", rp.ID(), "target", target, "err", res.Error)
			break
		}
		metrics.ChunksSent.Inc()
	}
	return results, nil
}

// SendMedia delivers one attachment referenced by URL.
func (r *Registry) SendMedia(ctx context.Context, channelID, target string, media domain.OutboundMedia) (domain.OutboundDeliveryResult, error) {
	if media.URL == "" {
		return domain.OutboundDeliveryResult{}, errors.New("media url is required")
	}
	rp, err := r.resolveOutbound(channelID, target)
	if err != nil {
		return domain.OutboundDeliveryResult{}, err
	}
	res := rp.Plugin.Outbound().SendMedia(ctx, target, media)
	if !res.Success {
		r.logger.Warn("outbound media failed", "channel", rp.ID(), "target", target, "err", res.Error)
	}
	return res, nil
}

// React adds emoji to message messageID in the conversation target.
func (r *Registry) React(ctx context.Context, channelID, target, messageID, emoji string) (domain.OutboundDeliveryResult, error) {
	if messageID == "" || emoji == "" {
		return domain.OutboundDeliveryResult{}, errors.New("message id and emoji are required")
	}
	rp, err := r.resolveOutbound(channelID, target)
	if err != nil {
		return domain.OutboundDeliveryResult{}, err
	}
	res := rp.Plugin.Outbound().SendReaction(ctx, target, messageID, emoji)
	if !res.Success {
		r.logger.Warn("outbound reaction failed", "channel", rp.ID(), "target", target, "err", res.Error)
	}
	return res, nil
}
