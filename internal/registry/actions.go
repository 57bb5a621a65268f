package registry

import (
	"context"
	"fmt"
	"slices"

	"gltchgate/internal/domain"
)

func (r *Registry) actionsOf(id string) (domain.ActionsAdapter, error) {
	rp, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotRegistered)
	}
	ap, ok := rp.Plugin.(domain.ActionsProvider)
	if !ok || !rp.Adapters.Has(domain.AdapterActions) {
		return nil, fmt.Errorf("%s actions: %w", id, ErrUnsupported)
	}
	return ap.Actions(), nil
}

// Actions lists the named actions channel id offers.
func (r *Registry) Actions(id string) ([]string, error) {
	a, err := r.actionsOf(id)
	if err != nil {
		return nil, err
	}
	return a.ListActions(), nil
}

// RunAction invokes a named action of channel id. Names the channel does not
// list are rejected before the plugin is called.
func (r *Registry) RunAction(ctx context.Context, id, name string, params map[string]any) (any, error) {
	a, err := r.actionsOf(id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(a.ListActions(), name) {
		return nil, fmt.Errorf("%s/%s: %w", id, name, ErrUnknownAction)
	}
	if params == nil {
		params = map[string]any{}
	}
	out, err := a.HandleAction(ctx, name, params)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", id, name, err)
	}
	r.logger.Info("channel action run", "channel", id, "action", name)
	return out, nil
}
