package ajax

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Default action names registered by the plugin's admin handlers.
const (
	ActionManualSync        = "catalog_sync_manual_batch"
	ActionCacheRefreshBatch = "catalog_sync_refresh_cache_batch"
	ActionCacheRefresh      = "catalog_sync_refresh_cache"
	ActionCacheClear        = "catalog_sync_clear_cache"
	ActionSyncProduct       = "catalog_sync_sync_product"
	ActionMapProduct        = "catalog_sync_map_product"
	ActionUnmapProduct      = "catalog_sync_unmap_product"
	ActionSaveVariationMap  = "catalog_sync_save_variation_map"
)

// ProductActions names the single-shot product actions.
type ProductActions struct {
	Sync         string
	Map          string
	Unmap        string
	VariationMap string
}

// DefaultProductActions returns the plugin's stock action names.
func DefaultProductActions() ProductActions {
	return ProductActions{
		Sync:         ActionSyncProduct,
		Map:          ActionMapProduct,
		Unmap:        ActionUnmapProduct,
		VariationMap: ActionSaveVariationMap,
	}
}

func (a ProductActions) withDefaults() ProductActions {
	d := DefaultProductActions()
	if a.Sync == "" {
		a.Sync = d.Sync
	}
	if a.Map == "" {
		a.Map = d.Map
	}
	if a.Unmap == "" {
		a.Unmap = d.Unmap
	}
	if a.VariationMap == "" {
		a.VariationMap = d.VariationMap
	}
	return a
}

// ProductResult is what the product actions report back.
type ProductResult struct {
	Message string `json:"message"`
	EditURL string `json:"edit_url,omitempty"`
	Steps   []Step `json:"steps,omitempty"`
}

// VariationMapping links a local variation to a remote catalog variant.
type VariationMapping struct {
	VariationID int64  `json:"variation_id"`
	RemoteID    string `json:"remote_id"`
}

// Products exposes the single-shot product actions on top of a Client.
type Products struct {
	client  *Client
	actions ProductActions
}

// NewProducts binds the product actions to client.
func NewProducts(client *Client, actions ProductActions) *Products {
	return &Products{client: client, actions: actions.withDefaults()}
}

// Sync pushes one product to the remote catalog.
func (p *Products) Sync(ctx context.Context, productID int64) (ProductResult, error) {
	if productID <= 0 {
		return ProductResult{}, errors.New("product id must be > 0")
	}
	payload, err := p.client.Call(ctx, NewRequest(p.actions.Sync).WithInt("product_id", productID))
	if err != nil {
		return ProductResult{}, err
	}
	return toResult(payload), nil
}

// Map links productID to remoteID.
func (p *Products) Map(ctx context.Context, productID int64, remoteID string) (ProductResult, error) {
	remoteID = strings.TrimSpace(remoteID)
	if productID <= 0 || remoteID == "" {
		return ProductResult{}, errors.New("product id and remote id are required")
	}
	req := NewRequest(p.actions.Map).
		WithInt("product_id", productID).
		With("remote_id", remoteID)
	payload, err := p.client.Call(ctx, req)
	if err != nil {
		return ProductResult{}, err
	}
	return toResult(payload), nil
}

// Unmap removes the remote link of productID.
func (p *Products) Unmap(ctx context.Context, productID int64) (ProductResult, error) {
	if productID <= 0 {
		return ProductResult{}, errors.New("product id must be > 0")
	}
	payload, err := p.client.Call(ctx, NewRequest(p.actions.Unmap).WithInt("product_id", productID))
	if err != nil {
		return ProductResult{}, err
	}
	return toResult(payload), nil
}

// SaveVariationMap replaces the variation mapping table of productID.
func (p *Products) SaveVariationMap(
	ctx context.Context,
	productID int64,
	mappings []VariationMapping,
) (ProductResult, error) {
	if productID <= 0 {
		return ProductResult{}, errors.New("product id must be > 0")
	}
	for _, m := range mappings {
		if m.VariationID <= 0 {
			return ProductResult{}, fmt.Errorf("invalid variation id %d", m.VariationID)
		}
	}
	if mappings == nil {
		mappings = []VariationMapping{}
	}
	encoded, err := json.Marshal(mappings)
	if err != nil {
		return ProductResult{}, fmt.Errorf("encode mappings: %w", err)
	}
	req := NewRequest(p.actions.VariationMap).
		WithInt("product_id", productID).
		With("mappings", string(encoded))
	payload, err := p.client.Call(ctx, req)
	if err != nil {
		return ProductResult{}, err
	}
	return toResult(payload), nil
}

func toResult(p *Payload) ProductResult {
	return ProductResult{
		Message: strings.TrimSpace(p.Message),
		EditURL: p.EditURL,
		Steps:   p.Steps,
	}
}
