// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Vendor providers used when the SendGrid integration is off or has no key.
const (
	VendorStdout = "stdout"
	VendorSMTP   = "smtp"
	VendorSES    = "ses"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig     `yaml:"smtp"`
	HTTP     HTTPConfig     `yaml:"http"`
	SendGrid SendGridConfig `yaml:"sendgrid"`
	Vendor   VendorConfig   `yaml:"vendor"`
	Database DatabaseConfig `yaml:"database"`
	TLS      TLSConfig      `yaml:"tls"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds the inbound SMTP listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen" validate:"required"`
	Hostname       string `yaml:"hostname" validate:"required"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int    `yaml:"max_message_size" validate:"gt=0"`
	MaxConnections int    `yaml:"max_connections" validate:"gte=0"`
}

// HTTPConfig holds the admin and statistics HTTP server configuration.
type HTTPConfig struct {
	Listen     string        `yaml:"listen" validate:"required"`
	AdminToken string        `yaml:"admin_token"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

// SendGridConfig holds the SendGrid integration switches.
type SendGridConfig struct {
	Enabled  bool          `yaml:"enabled"`
	APIURL   string        `yaml:"api_url" validate:"required,url"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
	ScopeTTL time.Duration `yaml:"scope_ttl" validate:"gte=0"`
}

// VendorConfig selects the fallback delivery path.
type VendorConfig struct {
	Provider string           `yaml:"provider" validate:"oneof=stdout smtp ses"`
	SMTP     VendorSMTPConfig `yaml:"smtp"`
	SES      SESConfig        `yaml:"ses"`
}

// VendorSMTPConfig holds the upstream relay used by the smtp vendor.
type VendorSMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Security string `yaml:"security" validate:"omitempty,oneof=none starttls tls"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender" validate:"omitempty,email"`
	MaxRetries      int    `yaml:"max_retries" validate:"gte=0,lte=10"`
}

// DatabaseConfig locates the settings database.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// TLSConfig holds certificate paths for the listener and trust settings
// for outbound relays.
type TLSConfig struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LoggingConfig holds logging and error reporting configuration.
type LoggingConfig struct {
	Level             string `yaml:"level" validate:"oneof=debug info warn error"`
	SentryDSN         string `yaml:"sentry_dsn"`
	SentryEnvironment string `yaml:"sentry_environment"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field formats and the settings each vendor needs.
func (c *Config) Validate() error {
	var errs []error
	if err := validator.New().Struct(c); err != nil {
		errs = append(errs, err)
	}

	switch c.Vendor.Provider {
	case VendorSMTP:
		if !c.VendorSMTPConfigured() {
			errs = append(errs, errors.New("vendor smtp requires VENDOR_SMTP_HOST"))
		}
	case VendorSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("vendor ses requires SES_REGION"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// AdminEnabled reports whether the admin API has a token.
func (c *Config) AdminEnabled() bool {
	return c.HTTP.AdminToken != ""
}

// SESConfigured returns true if an SES region is set.
func (c *Config) SESConfigured() bool {
	return c.Vendor.SES.Region != ""
}

// VendorSMTPConfigured returns true if an upstream relay host is set.
func (c *Config) VendorSMTPConfigured() bool {
	return c.Vendor.SMTP.Host != ""
}

// SentryEnabled reports whether error reporting is configured.
func (c *Config) SentryEnabled() bool {
	return c.Logging.SentryDSN != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize

	c.HTTP.Listen = ":8080"
	c.HTTP.Timeout = 30 * time.Second

	c.SendGrid.Enabled = true
	c.SendGrid.APIURL = "https://api.sendgrid.com/"
	c.SendGrid.Timeout = 30 * time.Second
	c.SendGrid.ScopeTTL = 5 * time.Minute

	c.Vendor.Provider = VendorStdout
	c.Vendor.SMTP.Port = 587

	c.Database.Path = "sendgrid-relay.db"

	c.Logging.Level = "info"
	c.Logging.SentryEnvironment = "production"
}

// envReader collects parse failures so every bad variable is reported.
type envReader struct {
	errs []error
}

func (r *envReader) str(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func (r *envReader) integer(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = n
}

func (r *envReader) boolean(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = b
}

func (r *envReader) duration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = d
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	var r envReader

	r.str("SMTP_LISTEN", &c.SMTP.Listen)
	r.str("SMTP_HOSTNAME", &c.SMTP.Hostname)
	r.str("SMTP_USERNAME", &c.SMTP.Username)
	r.str("SMTP_PASSWORD", &c.SMTP.Password)
	r.integer("SMTP_MAX_MESSAGE_SIZE", &c.SMTP.MaxMessageSize)
	r.integer("SMTP_MAX_CONNECTIONS", &c.SMTP.MaxConnections)

	r.str("HTTP_LISTEN", &c.HTTP.Listen)
	r.str("ADMIN_TOKEN", &c.HTTP.AdminToken)
	r.duration("HTTP_TIMEOUT", &c.HTTP.Timeout)

	r.boolean("SENDGRID_ENABLED", &c.SendGrid.Enabled)
	r.str("SENDGRID_API_URL", &c.SendGrid.APIURL)
	r.duration("SENDGRID_TIMEOUT", &c.SendGrid.Timeout)
	r.duration("SENDGRID_SCOPE_TTL", &c.SendGrid.ScopeTTL)

	r.str("VENDOR_PROVIDER", &c.Vendor.Provider)
	r.str("VENDOR_SMTP_HOST", &c.Vendor.SMTP.Host)
	r.integer("VENDOR_SMTP_PORT", &c.Vendor.SMTP.Port)
	r.str("VENDOR_SMTP_USERNAME", &c.Vendor.SMTP.Username)
	r.str("VENDOR_SMTP_PASSWORD", &c.Vendor.SMTP.Password)
	r.str("VENDOR_SMTP_SECURITY", &c.Vendor.SMTP.Security)

	r.str("SES_REGION", &c.Vendor.SES.Region)
	r.str("SES_ACCESS_KEY_ID", &c.Vendor.SES.AccessKeyID)
	r.str("SES_SECRET_ACCESS_KEY", &c.Vendor.SES.SecretAccessKey)
	r.str("SES_SENDER", &c.Vendor.SES.Sender)
	r.integer("SES_MAX_RETRIES", &c.Vendor.SES.MaxRetries)

	r.str("DATABASE_PATH", &c.Database.Path)

	r.str("TLS_CERT_FILE", &c.TLS.CertFile)
	r.str("TLS_KEY_FILE", &c.TLS.KeyFile)
	r.str("TLS_CA_FILE", &c.TLS.CAFile)
	r.boolean("TLS_INSECURE_SKIP_VERIFY", &c.TLS.InsecureSkipVerify)

	r.str("LOG_LEVEL", &c.Logging.Level)
	r.str("SENTRY_DSN", &c.Logging.SentryDSN)
	r.str("SENTRY_ENVIRONMENT", &c.Logging.SentryEnvironment)

	c.Vendor.Provider = strings.ToLower(c.Vendor.Provider)
	c.Vendor.SMTP.Security = strings.ToLower(c.Vendor.SMTP.Security)
	c.Logging.Level = strings.ToLower(c.Logging.Level)

	if len(r.errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(r.errs...))
	}
	return nil
}
