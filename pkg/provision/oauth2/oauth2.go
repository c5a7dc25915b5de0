// Package oauth2 provisions client-credentials access tokens for provider-side
// sources protected by an OAuth2 server.
package oauth2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	xoauth2 "golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/provision"
	"github.com/openfroyo/connector/pkg/transfer"
	"github.com/openfroyo/connector/pkg/vault"
)

// Kind is the resource definition kind handled by this package.
const Kind = "Oauth2"

// Output keys of a provisioned token.
const (
	OutputAccessToken = "accessToken"
	OutputTokenType   = "tokenType"
	OutputExpiresAt   = "expiresAt"
)

// Generator emits a token definition when the asset's source address carries
// oauth2:clientId and oauth2:tokenUrl.
type Generator struct{}

func (Generator) Name() string { return "oauth2" }

func (Generator) Role() transfer.Role { return transfer.RoleProvider }

func (Generator) CanGenerate(_ *transfer.TransferRequest, addr transfer.DataAddress, _ *policy.Policy) bool {
	return addr.HasProperty(transfer.PropertyOAuth2ClientID) && addr.HasProperty(transfer.PropertyOAuth2TokenURL)
}

func (Generator) Generate(_ *transfer.TransferRequest, addr transfer.DataAddress, _ *policy.Policy) (*transfer.ResourceDefinition, error) {
	if !addr.HasProperty(transfer.PropertyOAuth2ClientSecretKey) {
		return nil, fmt.Errorf("address has %s but no %s", transfer.PropertyOAuth2ClientID, transfer.PropertyOAuth2ClientSecretKey)
	}
	return transfer.NewResourceDefinition(Kind, map[string]string{
		"clientId":        addr.Property(transfer.PropertyOAuth2ClientID),
		"clientSecretKey": addr.Property(transfer.PropertyOAuth2ClientSecretKey),
		"tokenUrl":        addr.Property(transfer.PropertyOAuth2TokenURL),
		"scope":           addr.Property(transfer.PropertyOAuth2Scope),
	}), nil
}

// Provisioner obtains tokens with the client credentials grant.
type Provisioner struct {
	vault  vault.Vault
	client *http.Client

	mu     sync.Mutex
	tokens map[string]map[string]string
}

// NewProvisioner creates a provisioner resolving client secrets from v. A nil
// client uses http.DefaultClient.
func NewProvisioner(v vault.Vault, client *http.Client) *Provisioner {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provisioner{
		vault:  v,
		client: client,
		tokens: make(map[string]map[string]string),
	}
}

func (p *Provisioner) Kind() string { return Kind }

func (p *Provisioner) CanProvision(def transfer.ResourceDefinition) bool {
	return def.Kind == Kind && def.Param("tokenUrl") != ""
}

func (p *Provisioner) CanDeprovision(res transfer.ProvisionedResource) bool {
	return res.Kind == Kind
}

// Provision requests a token. A token already obtained for the definition is
// returned while it is valid.
func (p *Provisioner) Provision(ctx context.Context, _ string, def transfer.ResourceDefinition) (*provision.ProvisionResponse, error) {
	p.mu.Lock()
	cached, ok := p.tokens[def.ID]
	p.mu.Unlock()
	if ok && !expired(cached[OutputExpiresAt], time.Now()) {
		return &provision.ProvisionResponse{Output: cached}, nil
	}

	secret, err := p.vault.ResolveSecret(ctx, def.Param("clientSecretKey"))
	if err != nil {
		return nil, transfer.NewProvisioningFailedError(
			fmt.Sprintf("cannot resolve client secret %q", def.Param("clientSecretKey")), err)
	}

	cfg := clientcredentials.Config{
		ClientID:     def.Param("clientId"),
		ClientSecret: secret,
		TokenURL:     def.Param("tokenUrl"),
	}
	if scope := def.Param("scope"); scope != "" {
		cfg.Scopes = strings.Fields(scope)
	}

	token, err := cfg.Token(context.WithValue(ctx, xoauth2.HTTPClient, p.client))
	if err != nil {
		return nil, classify(err)
	}

	out := map[string]string{
		OutputAccessToken: token.AccessToken,
		OutputTokenType:   token.Type(),
	}
	if !token.Expiry.IsZero() {
		out[OutputExpiresAt] = token.Expiry.UTC().Format(time.RFC3339)
	}

	p.mu.Lock()
	p.tokens[def.ID] = out
	p.mu.Unlock()
	return &provision.ProvisionResponse{Output: out}, nil
}

// Deprovision forgets the token. Client credentials tokens cannot be revoked and
// lapse at their expiry.
func (p *Provisioner) Deprovision(_ context.Context, _ string, res transfer.ProvisionedResource) (*provision.DeprovisionResponse, error) {
	p.mu.Lock()
	delete(p.tokens, res.DefinitionID)
	p.mu.Unlock()
	return &provision.DeprovisionResponse{}, nil
}

// classify treats server errors and network failures as transient.
func classify(err error) error {
	var re *xoauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		if re.Response.StatusCode >= 500 || re.Response.StatusCode == http.StatusTooManyRequests {
			return transfer.NewTransientError("token endpoint unavailable", err)
		}
		return transfer.NewProvisioningFailedError("token request rejected", err)
	}
	return transfer.Classify(err, transfer.CodeProvisioningFailed)
}

func expired(raw string, now time.Time) bool {
	if raw == "" {
		return false
	}
	at, err := time.Parse(time.RFC3339, raw)
	return err != nil || !now.Before(at)
}
