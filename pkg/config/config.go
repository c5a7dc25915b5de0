package config

import (
	"time"

	"github.com/openfroyo/connector/pkg/catalog"
	"github.com/openfroyo/connector/pkg/manager"
	"github.com/openfroyo/connector/pkg/telemetry"
)

// Config is the complete connector configuration.
type Config struct {
	Connector    ConnectorConfig    `mapstructure:"connector"`
	Store        StoreConfig        `mapstructure:"store"`
	Manager      ManagerConfig      `mapstructure:"manager"`
	Sweeper      SweeperConfig      `mapstructure:"sweeper"`
	Policy       PolicyConfig       `mapstructure:"policy"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`

	// Secrets seed the in-memory vault. Keys are kept verbatim.
	Secrets map[string]string `mapstructure:"-"`

	// Catalog lists offered assets and signed agreements.
	Catalog CatalogConfig `mapstructure:"-"`
}

// ConnectorConfig identifies this connector.
type ConnectorConfig struct {
	ParticipantID string `mapstructure:"participant_id" validate:"required"`
	Name          string `mapstructure:"name"`
	Environment   string `mapstructure:"environment" validate:"oneof=development staging production"`
}

// StoreConfig locates the process database.
type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ManagerConfig tunes the transfer process manager.
type ManagerConfig struct {
	WorkerID                string        `mapstructure:"worker_id"`
	Workers                 int           `mapstructure:"workers" validate:"min=1"`
	BatchSize               int           `mapstructure:"batch_size" validate:"min=1"`
	PollInterval            time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	LeaseDuration           time.Duration `mapstructure:"lease_duration" validate:"gt=0"`
	MaxRetries              int           `mapstructure:"max_retries"`
	BaseBackoff             time.Duration `mapstructure:"base_backoff" validate:"gt=0"`
	MaxBackoff              time.Duration `mapstructure:"max_backoff" validate:"gtefield=BaseBackoff"`
	ProvisionTimeout        time.Duration `mapstructure:"provision_timeout" validate:"gt=0"`
	DeprovisionOnCompletion bool          `mapstructure:"deprovision_on_completion"`
}

// SweeperConfig schedules housekeeping.
type SweeperConfig struct {
	LeaseSchedule  string        `mapstructure:"lease_schedule" validate:"required"`
	ExpirySchedule string        `mapstructure:"expiry_schedule" validate:"required"`
	JobTimeout     time.Duration `mapstructure:"job_timeout" validate:"gt=0"`
}

// PolicyConfig lists policy module locations.
type PolicyConfig struct {
	Paths []string `mapstructure:"paths"`
	Watch bool     `mapstructure:"watch"`
}

// ProvisioningConfig selects and configures the built-in provisioners.
type ProvisioningConfig struct {
	CallTimeout time.Duration  `mapstructure:"call_timeout" validate:"gt=0"`
	QueueSize   int            `mapstructure:"queue_size" validate:"min=1"`
	EDR         EDRConfig      `mapstructure:"edr"`
	OAuth2      OAuth2Config   `mapstructure:"oauth2"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	SFTP        SFTPConfig     `mapstructure:"sftp"`
	PluginDir   string         `mapstructure:"plugin_dir"`
	Scripts     []ScriptConfig `mapstructure:"scripts" validate:"dive"`
}

// EDRConfig configures endpoint data reference tokens.
type EDRConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Endpoint string        `mapstructure:"endpoint" validate:"required_if=Enabled true,omitempty,url"`
	Issuer   string        `mapstructure:"issuer"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gt=0"`

	// SigningKeyRef names a vault secret holding a base64 ed25519 seed.
	// A key is generated per start when empty.
	SigningKeyRef string `mapstructure:"signing_key_ref"`
}

// OAuth2Config toggles client-credential token provisioning.
type OAuth2Config struct {
	Enabled bool `mapstructure:"enabled"`
}

// HTTPConfig configures the external HTTP provisioner.
type HTTPConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	CallbackAddress string `mapstructure:"callback_address" validate:"required_if=Enabled true"`
}

// SFTPConfig configures staging directories on an SFTP server.
// The private key comes from PrivateKeyRef (a vault secret holding PEM) or
// PrivateKeyPath; the host key is checked against KnownHostsPath or
// HostKeyFingerprint.
type SFTPConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Host               string `mapstructure:"host" validate:"required_if=Enabled true"`
	Port               int    `mapstructure:"port" validate:"min=1,max=65535"`
	User               string `mapstructure:"user" validate:"required_if=Enabled true"`
	PrivateKeyPath     string `mapstructure:"private_key_path"`
	PrivateKeyRef      string `mapstructure:"private_key_ref"`
	KnownHostsPath     string `mapstructure:"known_hosts_path"`
	HostKeyFingerprint string `mapstructure:"host_key_fingerprint" validate:"omitempty,startswith=SHA256:"`
	BasePath           string `mapstructure:"base_path"`
}

// ScriptConfig registers a Starlark generator.
type ScriptConfig struct {
	Name string `mapstructure:"name" validate:"required"`
	Path string `mapstructure:"path" validate:"required"`
	Role string `mapstructure:"role" validate:"oneof=consumer provider"`
}

// NotifyConfig configures event forwarding.
type NotifyConfig struct {
	AMQP AMQPConfig `mapstructure:"amqp"`
}

// AMQPConfig configures the broker notifier.
type AMQPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url" validate:"required_if=Enabled true"`
	Exchange string `mapstructure:"exchange"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel        string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat       string `mapstructure:"log_format" validate:"oneof=console json"`
	TracingEnabled  bool   `mapstructure:"tracing_enabled"`
	TracingExporter string `mapstructure:"tracing_exporter" validate:"oneof=stdout otlp none"`
	TracingEndpoint string `mapstructure:"tracing_endpoint"`
	MetricsEnabled  bool   `mapstructure:"metrics_enabled"`
	MetricsAddress  string `mapstructure:"metrics_address"`
}

// CatalogConfig is the static asset catalogue.
type CatalogConfig struct {
	Assets     []catalog.Asset     `json:"assets"`
	Agreements []catalog.Agreement `json:"agreements"`
}

// ManagerConfig converts to the manager's configuration.
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		WorkerID:                c.Manager.WorkerID,
		Workers:                 c.Manager.Workers,
		BatchSize:               c.Manager.BatchSize,
		PollInterval:            c.Manager.PollInterval,
		LeaseDuration:           c.Manager.LeaseDuration,
		MaxRetries:              c.Manager.MaxRetries,
		BaseBackoff:             c.Manager.BaseBackoff,
		MaxBackoff:              c.Manager.MaxBackoff,
		ProvisionTimeout:        c.Manager.ProvisionTimeout,
		DeprovisionOnCompletion: c.Manager.DeprovisionOnCompletion,
		ParticipantID:           c.Connector.ParticipantID,
	}
}

// TelemetryConfig converts to the telemetry configuration, starting from its defaults.
func (c *Config) TelemetryConfig() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if c.Connector.Name != "" {
		tc.ServiceName = c.Connector.Name
	}
	tc.Environment = c.Connector.Environment
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	if c.Telemetry.MetricsAddress != "" {
		tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	}
	tc.ResourceAttributes["participant_id"] = c.Connector.ParticipantID
	return tc
}

// SweeperConfig converts to the sweeper configuration. The expiry predicate is
// supplied by the caller.
func (c *Config) SweeperConfig(expired manager.ExpiryFunc) manager.SweeperConfig {
	return manager.SweeperConfig{
		LeaseSchedule:  c.Sweeper.LeaseSchedule,
		ExpirySchedule: c.Sweeper.ExpirySchedule,
		Expired:        expired,
		JobTimeout:     c.Sweeper.JobTimeout,
	}
}
