// Package httpprovision delegates provider-side provisioning to an external HTTP
// service. The service either answers synchronously or accepts the request and
// reports the outcome later on the connector's callback endpoint.
package httpprovision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/provision"
	"github.com/openfroyo/connector/pkg/transfer"
)

// Kind is the resource definition kind handled by this package.
const Kind = "HttpProvision"

// Generator emits a definition for assets whose source address has type
// HttpProvision.
type Generator struct{}

func (Generator) Name() string { return "http-provision" }

func (Generator) Role() transfer.Role { return transfer.RoleProvider }

func (Generator) CanGenerate(_ *transfer.TransferRequest, addr transfer.DataAddress, _ *policy.Policy) bool {
	return addr.Type == transfer.AddressTypeHTTPProvision
}

func (Generator) Generate(req *transfer.TransferRequest, addr transfer.DataAddress, _ *policy.Policy) (*transfer.ResourceDefinition, error) {
	endpoint := addr.Property(transfer.PropertyBaseURL)
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid provisioning endpoint %q: %w", endpoint, err)
	}
	return transfer.NewResourceDefinition(Kind, map[string]string{
		"endpoint": endpoint,
		"assetId":  req.AssetID,
	}), nil
}

// Request is the body posted to the provisioning service.
type Request struct {
	ProcessID       string `json:"processId"`
	DefinitionID    string `json:"definitionId"`
	AssetID         string `json:"assetId"`
	CallbackAddress string `json:"callbackAddress,omitempty"`
}

// Response is the body of a synchronous 200 answer.
type Response struct {
	Output map[string]string `json:"output"`
}

// Provisioner calls the provisioning service.
type Provisioner struct {
	client          *http.Client
	callbackAddress string
}

// NewProvisioner creates a provisioner. callbackAddress is sent to the service for
// asynchronous answers; a nil client gets a 30s timeout client.
func NewProvisioner(client *http.Client, callbackAddress string) *Provisioner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provisioner{client: client, callbackAddress: callbackAddress}
}

func (p *Provisioner) Kind() string { return Kind }

func (p *Provisioner) CanProvision(def transfer.ResourceDefinition) bool {
	return def.Kind == Kind && def.Param("endpoint") != ""
}

func (p *Provisioner) CanDeprovision(res transfer.ProvisionedResource) bool {
	return res.Kind == Kind
}

// Provision posts the request. 200 completes synchronously, 202 means the outcome
// arrives on the callback address.
func (p *Provisioner) Provision(ctx context.Context, processID string, def transfer.ResourceDefinition) (*provision.ProvisionResponse, error) {
	body, err := json.Marshal(Request{
		ProcessID:       processID,
		DefinitionID:    def.ID,
		AssetID:         def.Param("assetId"),
		CallbackAddress: p.callbackAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode provision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, def.Param("endpoint"), bytes.NewReader(body))
	if err != nil {
		return nil, transfer.NewProvisioningFailedError("invalid provisioning endpoint", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transfer.NewTransientError("provisioning service unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return &provision.ProvisionResponse{InProgress: true}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out Response
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
			return nil, transfer.NewProvisioningFailedError("malformed provisioning response", err)
		}
		output := out.Output
		if output == nil {
			output = map[string]string{}
		}
		output["endpoint"] = def.Param("endpoint")
		return &provision.ProvisionResponse{Output: output}, nil
	default:
		return nil, statusError("provision", resp)
	}
}

// Deprovision sends DELETE to the endpoint for the definition.
func (p *Provisioner) Deprovision(ctx context.Context, processID string, res transfer.ProvisionedResource) (*provision.DeprovisionResponse, error) {
	endpoint := res.Output["endpoint"]
	if endpoint == "" {
		return nil, transfer.NewPermanentError(transfer.CodeDeprovisioningFailed, "resource has no provisioning endpoint", nil)
	}
	target, err := url.JoinPath(endpoint, res.DefinitionID)
	if err != nil {
		return nil, transfer.NewPermanentError(transfer.CodeDeprovisioningFailed, "invalid provisioning endpoint", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return nil, transfer.NewPermanentError(transfer.CodeDeprovisioningFailed, "invalid provisioning endpoint", err)
	}
	req.Header.Set("X-Process-Id", processID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transfer.NewTransientError("provisioning service unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return &provision.DeprovisionResponse{InProgress: true}, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &provision.DeprovisionResponse{}, nil
	default:
		return nil, statusError("deprovision", resp)
	}
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s returned %d: %s", op, resp.StatusCode, bytes.TrimSpace(msg))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return transfer.NewTransientError("provisioning service unavailable", err)
	}
	code := transfer.CodeProvisioningFailed
	if op == "deprovision" {
		code = transfer.CodeDeprovisioningFailed
	}
	return transfer.NewPermanentError(code, "provisioning service rejected the request", err)
}
