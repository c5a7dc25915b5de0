// Package connector assembles a runnable connector from its configuration:
// the process store, policy engine, catalog, generators, provisioners, the
// transfer process manager and its sweeper.
package connector

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/connector/pkg/catalog"
	"github.com/openfroyo/connector/pkg/config"
	"github.com/openfroyo/connector/pkg/dataplane"
	"github.com/openfroyo/connector/pkg/manager"
	"github.com/openfroyo/connector/pkg/notify"
	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/provision"
	"github.com/openfroyo/connector/pkg/provision/edr"
	"github.com/openfroyo/connector/pkg/provision/httpprovision"
	"github.com/openfroyo/connector/pkg/provision/oauth2"
	"github.com/openfroyo/connector/pkg/provision/plugin"
	"github.com/openfroyo/connector/pkg/provision/script"
	sftpprovision "github.com/openfroyo/connector/pkg/provision/sftp"
	"github.com/openfroyo/connector/pkg/stores"
	"github.com/openfroyo/connector/pkg/telemetry"
	sftptransport "github.com/openfroyo/connector/pkg/transports/sftp"
	"github.com/openfroyo/connector/pkg/vault"
)

// SecretEnvPrefix is the environment fallback for vault lookups.
const SecretEnvPrefix = "CONNECTOR_SECRET_"

// Options replace collaborators that are otherwise built from configuration.
type Options struct {
	// Telemetry is created from configuration when nil.
	Telemetry *telemetry.Telemetry

	// HTTPClient is used by the HTTP and OAuth2 provisioners.
	HTTPClient *http.Client

	// SFTPTransport replaces the SSH-backed client.
	SFTPTransport sftptransport.Transport

	// AMQPChannel replaces dialing the broker.
	AMQPChannel notify.Channel
}

// Connector is an assembled connector.
type Connector struct {
	Config     *config.Config
	Store      *stores.SQLiteStore
	Telemetry  *telemetry.Telemetry
	Policies   *policy.Engine
	Catalog    *catalog.Catalog
	Vault      *vault.MemoryVault
	Registry   *provision.GeneratorRegistry
	Dispatcher *provision.Dispatcher
	Manager    *manager.Manager
	Sweeper    *manager.Sweeper
	DataFlow   *dataplane.LocalController

	// EDR is nil when EDR provisioning is disabled.
	EDR *edr.Provisioner

	logger       zerolog.Logger
	ownTelemetry bool
	policyLoader *policy.Loader
	plugins      []*plugin.Host
	sftp         sftptransport.Transport
	notifier     *notify.AMQPNotifier
	cancelWatch  context.CancelFunc
}

// Assemble builds every component. Nothing is started; on error everything
// created so far is closed.
func Assemble(ctx context.Context, cfg *config.Config, opts Options) (*Connector, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	c := &Connector{Config: cfg, Telemetry: opts.Telemetry}
	if err := c.assemble(ctx, opts); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Connector) assemble(ctx context.Context, opts Options) (err error) {
	cfg := c.Config

	if c.Telemetry == nil {
		c.Telemetry, err = telemetry.NewTelemetry(cfg.TelemetryConfig())
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		c.ownTelemetry = true
	}
	c.logger = c.Telemetry.Logger.With().
		Str("participant_id", cfg.Connector.ParticipantID).
		Logger()

	c.Store, err = stores.Open(ctx, stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	c.Policies, err = policy.NewEngine(c.logger)
	if err != nil {
		return err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err = c.Policies.LoadModules(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
	}

	c.Catalog, err = catalog.Load(cfg.Catalog.Assets, cfg.Catalog.Agreements)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	c.Vault = vault.NewMemoryVault(cfg.Secrets, SecretEnvPrefix)

	c.Registry = provision.NewGeneratorRegistry()
	c.Dispatcher = provision.NewDispatcher(cfg.Provisioning.CallTimeout, cfg.Provisioning.QueueSize, c.logger)
	if err = c.registerProvisioning(ctx, opts); err != nil {
		return err
	}
	c.Registry.Seal()

	c.DataFlow = dataplane.NewLocalController(c.logger)
	requests := dataplane.NewLoopbackDispatcher(nil, c.logger)

	c.Manager, err = manager.New(cfg.ManagerConfig(), manager.Dependencies{
		Store:        c.Store,
		Generator:    provision.NewManifestGenerator(c.Registry, c.Policies, c.logger),
		Provisioning: c.Dispatcher,
		Requests:     requests,
		DataFlow:     c.DataFlow,
		Policies:     c.Catalog,
		Addresses:    c.Catalog,
		Evaluator:    c.Policies,
		Telemetry:    c.Telemetry,
		Logger:       c.logger,
	})
	if err != nil {
		return err
	}
	// Both sides of a transfer live in this connector: consumer requests are
	// delivered to its own provider path.
	requests.SetTarget(c.Manager)

	var expired manager.ExpiryFunc
	if c.EDR != nil {
		expired = edr.Expired
	}
	c.Sweeper, err = manager.NewSweeper(c.Manager, cfg.SweeperConfig(expired), c.logger)
	if err != nil {
		return err
	}

	if cfg.Notify.AMQP.Enabled || opts.AMQPChannel != nil {
		notifyCfg := notify.Config{URL: cfg.Notify.AMQP.URL, Exchange: cfg.Notify.AMQP.Exchange}
		if opts.AMQPChannel != nil {
			c.notifier = notify.NewWithChannel(opts.AMQPChannel, notifyCfg, c.logger)
		} else if c.notifier, err = notify.Dial(notifyCfg, c.logger); err != nil {
			return err
		}
		c.notifier.Attach(c.Telemetry.Events,
			telemetry.EventTypeStateChanged,
			telemetry.EventTypeProcessTerminated,
		)
	}

	return nil
}

func (c *Connector) registerProvisioning(ctx context.Context, opts Options) error {
	pc := c.Config.Provisioning
	register := func(gens []provision.ResourceDefinitionGenerator, provs ...provision.Provisioner) error {
		for _, g := range gens {
			if err := c.Registry.Register(g); err != nil {
				return err
			}
		}
		for _, p := range provs {
			if err := c.Dispatcher.Register(p); err != nil {
				return err
			}
		}
		return nil
	}

	if pc.EDR.Enabled {
		key, err := c.signingKey(ctx, pc.EDR.SigningKeyRef)
		if err != nil {
			return err
		}
		c.EDR, err = edr.NewProvisioner(edr.Config{
			Endpoint: pc.EDR.Endpoint,
			Issuer:   pc.EDR.Issuer,
			TTL:      pc.EDR.TTL,
			Key:      key,
		})
		if err != nil {
			return err
		}
		if err := register([]provision.ResourceDefinitionGenerator{edr.Generator{}}, c.EDR); err != nil {
			return err
		}
	}

	if pc.OAuth2.Enabled {
		if err := register([]provision.ResourceDefinitionGenerator{oauth2.Generator{}},
			oauth2.NewProvisioner(c.Vault, opts.HTTPClient)); err != nil {
			return err
		}
	}

	if pc.HTTP.Enabled {
		if err := register([]provision.ResourceDefinitionGenerator{httpprovision.Generator{}},
			httpprovision.NewProvisioner(opts.HTTPClient, pc.HTTP.CallbackAddress)); err != nil {
			return err
		}
	}

	if pc.SFTP.Enabled || opts.SFTPTransport != nil {
		c.sftp = opts.SFTPTransport
		if c.sftp == nil {
			tc := sftptransport.DefaultConfig(pc.SFTP.Host, pc.SFTP.User)
			tc.Port = pc.SFTP.Port
			tc.PrivateKeyPath = pc.SFTP.PrivateKeyPath
			tc.KnownHostsPath = pc.SFTP.KnownHostsPath
			tc.HostKeyFingerprint = pc.SFTP.HostKeyFingerprint
			if ref := pc.SFTP.PrivateKeyRef; ref != "" {
				key, err := c.Vault.ResolveSecret(ctx, ref)
				if err != nil {
					return fmt.Errorf("failed to resolve sftp private key %q: %w", ref, err)
				}
				tc.PrivateKey = []byte(key)
			}
			client, err := sftptransport.NewClient(tc)
			if err != nil {
				return fmt.Errorf("failed to configure sftp: %w", err)
			}
			c.sftp = client
		}
		if err := register([]provision.ResourceDefinitionGenerator{sftpprovision.Generator{DefaultBasePath: pc.SFTP.BasePath}},
			sftpprovision.NewProvisioner(c.sftp, pc.SFTP.Host)); err != nil {
			return err
		}
	}

	for _, sc := range pc.Scripts {
		s, err := script.Load(sc.Path, script.WithTimeout(pc.CallTimeout))
		if err != nil {
			return fmt.Errorf("script %s: %w", sc.Name, err)
		}
		var g provision.ResourceDefinitionGenerator = script.ConsumerGenerator{Script: s}
		if sc.Role == "provider" {
			g = script.ProviderGenerator{Script: s}
		}
		if err := c.Registry.Register(g); err != nil {
			return fmt.Errorf("script %s: %w", sc.Name, err)
		}
	}

	if pc.PluginDir != "" {
		hosts, err := plugin.LoadDir(ctx, pc.PluginDir, plugin.Config{Timeout: pc.CallTimeout}, c.logger)
		if err != nil {
			return err
		}
		c.plugins = hosts
		for _, h := range hosts {
			if err := register(nil, h.Provisioners()...); err != nil {
				return err
			}
		}
	}

	c.logger.Info().
		Strs("kinds", c.Dispatcher.Kinds()).
		Int("consumer_generators", len(c.Registry.ConsumerGenerators())).
		Int("provider_generators", len(c.Registry.ProviderGenerators())).
		Msg("provisioning configured")
	return nil
}

// signingKey resolves the EDR signing key seed from the vault. An empty ref
// yields nil and the provisioner generates a key.
func (c *Connector) signingKey(ctx context.Context, ref string) (ed25519.PrivateKey, error) {
	if ref == "" {
		return nil, nil
	}
	encoded, err := c.Vault.ResolveSecret(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("edr signing key %q: %w", ref, err)
	}
	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("edr signing key %q: %w", ref, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("edr signing key %q: seed must be %d bytes", ref, ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Start runs the manager, the sweeper, the metrics endpoint and, when
// configured, the policy watcher.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.Telemetry.StartMetricsServer(); err != nil {
		return err
	}
	if err := c.Manager.Start(ctx); err != nil {
		return err
	}
	c.Sweeper.Start()

	if c.Config.Policy.Watch && len(c.Config.Policy.Paths) > 0 {
		watchCtx, cancel := context.WithCancel(ctx)
		c.cancelWatch = cancel
		c.policyLoader = policy.NewLoader(c.logger)
		err := c.policyLoader.Watch(watchCtx, c.Config.Policy.Paths, func(mods []policy.Module) error {
			return c.Policies.ReloadModules(watchCtx, mods)
		})
		if err != nil {
			c.logger.Warn().Err(err).Msg("policy watch disabled")
		}
	}

	c.logger.Info().
		Str("worker_id", c.Manager.WorkerID()).
		Msg("connector started")
	return nil
}

// Stop halts background work. Outstanding provisioner calls are awaited so
// their results are not lost mid-flight.
func (c *Connector) Stop() {
	if c == nil {
		return
	}
	if c.cancelWatch != nil {
		c.cancelWatch()
	}
	if c.Sweeper != nil {
		c.Sweeper.Stop()
	}
	if c.Manager != nil {
		c.Manager.Stop()
	}
	if c.Dispatcher != nil {
		c.Dispatcher.Wait()
	}
}

// Close stops the connector and releases every resource it owns.
func (c *Connector) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.Stop()

	var errs []error
	if c.notifier != nil {
		errs = append(errs, c.notifier.Close())
	}
	for _, h := range c.plugins {
		errs = append(errs, h.Close(ctx))
	}
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	if c.ownTelemetry && c.Telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		errs = append(errs, c.Telemetry.Shutdown(shutdownCtx))
	}
	return errors.Join(errs...)
}
