// Package sftp provisions per-transfer staging directories on an SFTP host for
// consumers receiving pushed data.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/provision"
	"github.com/openfroyo/connector/pkg/transfer"
	transport "github.com/openfroyo/connector/pkg/transports/sftp"
)

// Kind is the resource definition kind handled by this package.
const Kind = "SftpStaging"

// Destination property naming the base directory under which staging
// directories are created.
const PropertyBasePath = "basePath"

// Output keys.
const (
	OutputHost = "host"
	OutputPath = "path"
)

// Generator emits a staging directory definition for SFTP destinations.
type Generator struct {
	// DefaultBasePath is used when the destination has no basePath property.
	DefaultBasePath string
}

func (g Generator) Name() string { return "sftp-staging" }

func (g Generator) Role() transfer.Role { return transfer.RoleConsumer }

func (g Generator) CanGenerate(req *transfer.TransferRequest, _ *policy.Policy) bool {
	return req.Destination.Type == transfer.AddressTypeSFTP
}

func (g Generator) Generate(req *transfer.TransferRequest, _ *policy.Policy) (*transfer.ResourceDefinition, error) {
	base := req.Destination.Property(PropertyBasePath)
	if base == "" {
		base = g.DefaultBasePath
	}
	if base == "" {
		return nil, fmt.Errorf("sftp destination has no %s", PropertyBasePath)
	}
	return transfer.NewResourceDefinition(Kind, map[string]string{
		"path": path.Join(base, req.ID),
	}), nil
}

// Provisioner creates and removes staging directories through a transport.
type Provisioner struct {
	transport transport.Transport
	host      string
}

// NewProvisioner creates a provisioner. host is reported to the data plane.
func NewProvisioner(t transport.Transport, host string) *Provisioner {
	return &Provisioner{transport: t, host: host}
}

func (p *Provisioner) Kind() string { return Kind }

func (p *Provisioner) CanProvision(def transfer.ResourceDefinition) bool {
	return def.Kind == Kind && def.Param("path") != ""
}

func (p *Provisioner) CanDeprovision(res transfer.ProvisionedResource) bool {
	return res.Kind == Kind && res.Output[OutputPath] != ""
}

// Provision creates the staging directory. Creating an existing directory succeeds.
func (p *Provisioner) Provision(ctx context.Context, _ string, def transfer.ResourceDefinition) (*provision.ProvisionResponse, error) {
	dir := def.Param("path")
	if err := p.transport.MkdirAll(ctx, dir); err != nil {
		return nil, classify(err, transfer.CodeProvisioningFailed)
	}
	return &provision.ProvisionResponse{Output: map[string]string{
		OutputHost: p.host,
		OutputPath: dir,
	}}, nil
}

// Deprovision removes the staging directory and its contents.
func (p *Provisioner) Deprovision(ctx context.Context, _ string, res transfer.ProvisionedResource) (*provision.DeprovisionResponse, error) {
	if err := p.transport.RemoveAll(ctx, res.Output[OutputPath]); err != nil {
		return nil, classify(err, transfer.CodeDeprovisioningFailed)
	}
	return &provision.DeprovisionResponse{}, nil
}

func classify(err error, code string) error {
	var te *transport.TransportError
	if errors.As(err, &te) && te.Temporary() {
		return transfer.NewTransientError("sftp host unavailable", err)
	}
	return transfer.Classify(err, code)
}
