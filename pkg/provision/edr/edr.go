// Package edr provisions endpoint data references for HttpProxy pull transfers:
// a proxy endpoint plus a signed, revocable access token.
package edr

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/provision"
	"github.com/openfroyo/connector/pkg/transfer"
)

// Kind is the resource definition kind handled by this package.
const Kind = "HttpProxy"

// Output keys of a provisioned EDR.
const (
	OutputEndpoint  = "endpoint"
	OutputAuthKey   = "authKey"
	OutputAuthCode  = "authCode"
	OutputExpiresAt = "expiresAt"
	OutputTokenID   = "tokenId"
)

// ErrTokenRevoked is returned when validating a token that was deprovisioned.
var ErrTokenRevoked = errors.New("token revoked")

// Claims are the access token claims.
type Claims struct {
	AssetID    string `json:"asset"`
	ContractID string `json:"contract"`
	jwt.RegisteredClaims
}

// Generator emits one HttpProxy definition for pull transfers whose destination
// is an HttpProxy address.
type Generator struct{}

// Name identifies the generator in errors.
func (Generator) Name() string { return "edr" }

// Role implements provision.ResourceDefinitionGenerator.
func (Generator) Role() transfer.Role { return transfer.RoleConsumer }

// CanGenerate implements provision.ConsumerResourceDefinitionGenerator.
func (Generator) CanGenerate(req *transfer.TransferRequest, _ *policy.Policy) bool {
	return req.Destination.Type == transfer.AddressTypeHTTPProxy
}

// Generate implements provision.ConsumerResourceDefinitionGenerator.
func (Generator) Generate(req *transfer.TransferRequest, _ *policy.Policy) (*transfer.ResourceDefinition, error) {
	return transfer.NewResourceDefinition(Kind, map[string]string{
		"assetId":    req.AssetID,
		"contractId": req.ContractID,
		"requestId":  req.ID,
	}), nil
}

// Config configures the EDR provisioner.
type Config struct {
	// Endpoint is the public proxy URL handed to the data consumer.
	Endpoint string `validate:"required,url"`

	// Issuer is the token issuer claim.
	Issuer string

	// TTL is the token lifetime.
	TTL time.Duration

	// Key signs tokens. A fresh key is generated when nil.
	Key ed25519.PrivateKey
}

// Provisioner issues EdDSA-signed access tokens.
type Provisioner struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	issued  map[string]map[string]string
	revoked map[string]time.Time
}

// NewProvisioner creates an EDR provisioner.
func NewProvisioner(cfg Config) (*Provisioner, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("edr endpoint is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "connector"
	}
	if cfg.Key == nil {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		cfg.Key = key
	}
	return &Provisioner{
		cfg:     cfg,
		now:     time.Now,
		issued:  make(map[string]map[string]string),
		revoked: make(map[string]time.Time),
	}, nil
}

// Kind implements provision.Provisioner.
func (p *Provisioner) Kind() string { return Kind }

// CanProvision implements provision.Provisioner.
func (p *Provisioner) CanProvision(def transfer.ResourceDefinition) bool {
	return def.Kind == Kind
}

// CanDeprovision implements provision.Provisioner.
func (p *Provisioner) CanDeprovision(res transfer.ProvisionedResource) bool {
	return res.Kind == Kind
}

// Provision signs a token bound to the process and definition. Repeated calls
// for the same definition return the token issued first.
func (p *Provisioner) Provision(ctx context.Context, processID string, def transfer.ResourceDefinition) (*provision.ProvisionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if out, ok := p.issued[def.ID]; ok {
		return &provision.ProvisionResponse{Output: copyOutput(out)}, nil
	}

	now := p.now()
	expires := now.Add(p.cfg.TTL)
	claims := Claims{
		AssetID:    def.Param("assetId"),
		ContractID: def.Param("contractId"),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        def.ID,
			Issuer:    p.cfg.Issuer,
			Subject:   processID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(p.cfg.Key)
	if err != nil {
		return nil, transfer.NewProvisioningFailedError("failed to sign access token", err)
	}

	out := map[string]string{
		OutputEndpoint:  p.cfg.Endpoint,
		OutputAuthKey:   "Authorization",
		OutputAuthCode:  signed,
		OutputExpiresAt: expires.UTC().Format(time.RFC3339),
		OutputTokenID:   def.ID,
	}
	p.issued[def.ID] = out
	return &provision.ProvisionResponse{Output: copyOutput(out)}, nil
}

// Deprovision revokes the token.
func (p *Provisioner) Deprovision(ctx context.Context, _ string, res transfer.ProvisionedResource) (*provision.DeprovisionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := res.Output[OutputTokenID]
	if id == "" {
		id = res.DefinitionID
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[id] = p.now()
	delete(p.issued, id)
	return &provision.DeprovisionResponse{}, nil
}

// Validate parses and verifies a token issued by this provisioner.
func (p *Provisioner) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return p.cfg.Key.Public(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	p.mu.Lock()
	_, revoked := p.revoked[claims.ID]
	p.mu.Unlock()
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// PublicKey returns the verification key.
func (p *Provisioner) PublicKey() ed25519.PublicKey {
	return p.cfg.Key.Public().(ed25519.PublicKey)
}

// Expired reports whether the resource's token lifetime has passed at now.
func Expired(res transfer.ProvisionedResource, now time.Time) bool {
	raw := res.Output[OutputExpiresAt]
	if raw == "" {
		return false
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return !now.Before(at)
}

func copyOutput(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
