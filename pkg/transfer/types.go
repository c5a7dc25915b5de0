// Package transfer defines the transfer process domain: requests, data addresses,
// resource manifests, provisioned resources and the process state machine.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Well-known data address types.
const (
	AddressTypeHTTPProxy     = "HttpProxy"
	AddressTypeHTTPData      = "HttpData"
	AddressTypeHTTPProvision = "HttpProvision"
	AddressTypeSFTP          = "SFTP"
)

// Well-known data address property keys.
const (
	PropertyBaseURL               = "baseUrl"
	PropertyOAuth2ClientID        = "oauth2:clientId"
	PropertyOAuth2ClientSecretKey = "oauth2:clientSecretKey"
	PropertyOAuth2TokenURL        = "oauth2:tokenUrl"
	PropertyOAuth2Scope           = "oauth2:scope"
)

// DataAddress describes where data lives or where it should be delivered.
type DataAddress struct {
	// Type selects how the address is interpreted (e.g. "HttpProxy", "SFTP").
	Type string `json:"type" validate:"required"`

	// Properties are type-specific settings.
	Properties map[string]string `json:"properties,omitempty"`
}

// Property returns a property value or "" when absent.
func (a DataAddress) Property(key string) string {
	return a.Properties[key]
}

// HasProperty reports whether key is set to a non-empty value.
func (a DataAddress) HasProperty(key string) bool {
	return a.Properties[key] != ""
}

// TransferRequest is the immutable description of what a process should transfer.
type TransferRequest struct {
	// ID identifies the request. Processes are unique per request ID and role.
	ID string `json:"id" validate:"required"`

	// AssetID is the asset being transferred.
	AssetID string `json:"asset_id" validate:"required"`

	// ContractID is the contract agreement governing the transfer.
	ContractID string `json:"contract_id" validate:"required"`

	// ConnectorID identifies the counterpart connector.
	ConnectorID string `json:"connector_id,omitempty"`

	// CounterPartyAddress is the counterpart's protocol endpoint.
	CounterPartyAddress string `json:"counter_party_address,omitempty" validate:"omitempty,url"`

	// Protocol names the wire protocol used to reach the counterpart.
	Protocol string `json:"protocol,omitempty"`

	// Type is push or pull.
	Type TransferType `json:"type" validate:"required,oneof=push pull"`

	// Destination is where data is delivered (push) or the kind of access wanted (pull).
	Destination DataAddress `json:"destination" validate:"required"`

	// Properties carries request-level extension properties.
	Properties map[string]string `json:"properties,omitempty"`
}

// ResourceDefinition describes one resource a transfer needs provisioned.
type ResourceDefinition struct {
	// ID is unique within a manifest.
	ID string `json:"id"`

	// Kind selects the provisioner responsible for the definition.
	Kind string `json:"kind"`

	// Params are kind-specific parameters.
	Params map[string]string `json:"params,omitempty"`
}

// NewResourceDefinition creates a definition with a fresh ID.
func NewResourceDefinition(kind string, params map[string]string) *ResourceDefinition {
	return &ResourceDefinition{
		ID:     uuid.New().String(),
		Kind:   kind,
		Params: params,
	}
}

// Param returns a parameter or "" when absent.
func (d ResourceDefinition) Param(key string) string {
	return d.Params[key]
}

// Fingerprint identifies the definition by kind and parameters, ignoring its ID.
func (d ResourceDefinition) Fingerprint() (string, error) {
	raw, err := json.Marshal(struct {
		Kind   string            `json:"kind"`
		Params map[string]string `json:"params"`
	}{d.Kind, d.Params})
	if err != nil {
		return "", fmt.Errorf("failed to marshal definition: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize definition: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ResourceManifest is the ordered set of definitions produced for one process.
type ResourceManifest struct {
	// Role is the side the manifest was generated for.
	Role Role `json:"role"`

	// Definitions is in generator registration order. May be empty.
	Definitions []ResourceDefinition `json:"definitions"`

	// GeneratedAt is when the manifest was produced.
	GeneratedAt time.Time `json:"generated_at"`
}

// Empty reports whether the manifest has no definitions.
func (m *ResourceManifest) Empty() bool {
	return m == nil || len(m.Definitions) == 0
}

// Definition looks up a definition by ID.
func (m *ResourceManifest) Definition(id string) (ResourceDefinition, bool) {
	if m == nil {
		return ResourceDefinition{}, false
	}
	for _, d := range m.Definitions {
		if d.ID == id {
			return d, true
		}
	}
	return ResourceDefinition{}, false
}

// Fingerprint hashes the ordered definition fingerprints. Two manifests generated
// from the same inputs by deterministic generators share a fingerprint.
func (m *ResourceManifest) Fingerprint() (string, error) {
	h := sha256.New()
	h.Write([]byte(m.Role))
	for _, d := range m.Definitions {
		fp, err := d.Fingerprint()
		if err != nil {
			return "", err
		}
		h.Write([]byte{0})
		h.Write([]byte(fp))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ProvisionedResource records the provisioning outcome of one definition.
type ProvisionedResource struct {
	// ID identifies the resource record.
	ID string `json:"id"`

	// DefinitionID is the manifest definition this resource was provisioned from.
	DefinitionID string `json:"definition_id"`

	// Kind mirrors the definition kind so deprovisioning can pick a provisioner.
	Kind string `json:"kind"`

	// Outcome is pending until the provisioner reports back.
	Outcome Outcome `json:"outcome"`

	// Output holds provisioner results such as endpoints or tokens.
	Output map[string]string `json:"output,omitempty"`

	// Error is the last provisioner error for this resource.
	Error string `json:"error,omitempty"`

	// DispatchedAt is when the last provision call was issued. Zero means not yet issued.
	DispatchedAt time.Time `json:"dispatched_at,omitempty"`

	// CompletedAt is when the provision outcome became final.
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Deprovision tracks teardown of a successfully provisioned resource.
	Deprovision Outcome `json:"deprovision,omitempty"`

	// DeprovisionDispatchedAt is when the last deprovision call was issued.
	DeprovisionDispatchedAt time.Time `json:"deprovision_dispatched_at,omitempty"`
}

// Live reports whether the resource holds something that must be torn down.
func (r ProvisionedResource) Live() bool {
	return r.Outcome == OutcomeSucceeded &&
		r.Deprovision != OutcomeSucceeded && r.Deprovision != OutcomeFailed
}
