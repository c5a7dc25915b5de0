// Package catalog holds the assets and contract agreements a connector knows
// about. It resolves asset data addresses for the provider side and looks up
// the agreement policy governing a transfer.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/connector/pkg/manager"
	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/transfer"
)

// Asset is a dataset offered by this connector and where its data lives.
type Asset struct {
	ID      string               `json:"id" validate:"required"`
	Address transfer.DataAddress `json:"address"`
}

// Agreement is a contract agreement as written in configuration. The policy is
// either inline or read from PolicyFile.
type Agreement struct {
	ContractID string         `json:"contract_id" validate:"required"`
	AssetID    string         `json:"asset_id" validate:"required"`
	ConsumerID string         `json:"consumer_id,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
	SignedAt   time.Time      `json:"signed_at"`
	Policy     *policy.Policy `json:"policy,omitempty"`
	PolicyFile string         `json:"policy_file,omitempty"`
}

// Catalog is an in-memory asset index and agreement archive.
type Catalog struct {
	validate *validator.Validate

	mu         sync.RWMutex
	assets     map[string]Asset
	agreements map[string]*manager.Agreement
}

var (
	_ manager.PolicyArchive       = (*Catalog)(nil)
	_ manager.DataAddressResolver = (*Catalog)(nil)
)

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		assets:     make(map[string]Asset),
		agreements: make(map[string]*manager.Agreement),
	}
}

// Load creates a catalog populated with assets and agreements.
func Load(assets []Asset, agreements []Agreement) (*Catalog, error) {
	c := New()
	for _, a := range assets {
		if err := c.AddAsset(a); err != nil {
			return nil, err
		}
	}
	for _, a := range agreements {
		if err := c.AddAgreement(a); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddAsset registers an asset. Asset IDs are unique.
func (c *Catalog) AddAsset(a Asset) error {
	if err := c.validate.Struct(a); err != nil {
		return fmt.Errorf("invalid asset %q: %w", a.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.assets[a.ID]; exists {
		return fmt.Errorf("asset %s already registered", a.ID)
	}
	c.assets[a.ID] = a
	return nil
}

// AddAgreement registers an agreement, reading its policy file if needed. An
// agreement without any policy carries an empty one, which permits everything.
func (c *Catalog) AddAgreement(a Agreement) error {
	if err := c.validate.Struct(a); err != nil {
		return fmt.Errorf("invalid agreement %q: %w", a.ContractID, err)
	}

	p := a.Policy
	if p == nil && a.PolicyFile != "" {
		loaded, err := policy.LoadPolicyFile(a.PolicyFile)
		if err != nil {
			return fmt.Errorf("agreement %s: %w", a.ContractID, err)
		}
		p = loaded
	}
	if p == nil {
		p = &policy.Policy{UID: a.ContractID, Type: "contract"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.agreements[a.ContractID]; exists {
		return fmt.Errorf("agreement %s already registered", a.ContractID)
	}
	c.agreements[a.ContractID] = &manager.Agreement{
		ContractID: a.ContractID,
		AssetID:    a.AssetID,
		ConsumerID: a.ConsumerID,
		ProviderID: a.ProviderID,
		SignedAt:   a.SignedAt,
		Policy:     p,
	}
	return nil
}

// FindAgreement returns the agreement for contractID.
func (c *Catalog) FindAgreement(_ context.Context, contractID string) (*manager.Agreement, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agreements[contractID]
	if !ok {
		return nil, transfer.NewPermanentError(transfer.CodeNotFound,
			fmt.Sprintf("no contract agreement %s", contractID), nil)
	}
	cp := *a
	return &cp, nil
}

// Resolve returns the data address of an asset.
func (c *Catalog) Resolve(_ context.Context, assetID string) (transfer.DataAddress, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.assets[assetID]
	if !ok {
		return transfer.DataAddress{}, transfer.NewPermanentError(transfer.CodeNotFound,
			fmt.Sprintf("no asset %s", assetID), nil)
	}
	return a.Address, nil
}

// Assets lists the registered assets ordered by ID.
func (c *Catalog) Assets() []Asset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Asset, 0, len(c.assets))
	for _, a := range c.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agreements lists the registered agreements ordered by contract ID.
func (c *Catalog) Agreements() []manager.Agreement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]manager.Agreement, 0, len(c.agreements))
	for _, a := range c.agreements {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out
}
