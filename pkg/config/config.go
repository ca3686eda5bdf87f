// Package config loads segkv server settings from a YAML file and SEGKV_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-segkv/pkg/logging"
	"github.com/dd0wney/cluso-segkv/pkg/metrics"
	"github.com/dd0wney/cluso-segkv/pkg/server"
	"github.com/dd0wney/cluso-segkv/pkg/storage"
	segtls "github.com/dd0wney/cluso-segkv/pkg/tls"
	"github.com/dd0wney/cluso-segkv/pkg/validation"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SEGKV_"

// Default values
const (
	DefaultLogLevel        = "info"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultArchiveRegion   = "us-east-1"
	MaxRecordsLimit        = 1 << 24
)

// ArchiveConfig configures uploads of frozen segments to S3-compatible
// storage. An empty bucket disables archiving.
type ArchiveConfig struct {
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Enabled reports whether frozen segments should be archived.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// Config is the complete server configuration.
type Config struct {
	DBDirectory          string `yaml:"db_directory" validate:"required"`
	ListenAddress        string `yaml:"listen_address" validate:"required,listenaddr"`
	MaxRecordsPerSegment int    `yaml:"max_records_per_segment" validate:"min=1,max=16777216"`
	AdminAddress         string `yaml:"admin_address" validate:"omitempty,listenaddr"`
	LogLevel             string `yaml:"log_level" validate:"loglevel"`
	SyncWrites           bool   `yaml:"sync_writes"`
	UseHints             bool   `yaml:"use_hints"`

	MaxLineBytes    int           `yaml:"max_line_bytes" validate:"min=64"`
	MaxConnections  int           `yaml:"max_connections" validate:"min=1"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	TLS     segtls.Config `yaml:"tls"`
	Archive ArchiveConfig `yaml:"archive"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DBDirectory:          storage.DefaultDir,
		ListenAddress:        server.DefaultListenAddress,
		MaxRecordsPerSegment: storage.DefaultMaxRecordsPerSegment,
		LogLevel:             DefaultLogLevel,
		UseHints:             true,
		MaxLineBytes:         server.DefaultMaxLineBytes,
		MaxConnections:       server.DefaultMaxConnections,
		ShutdownTimeout:      DefaultShutdownTimeout,
		Archive: ArchiveConfig{
			Timeout: storage.DefaultArchiveTimeout,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file. The result is not
// validated, so callers can layer flags on top first.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode rejects unknown keys so a misspelt option is not silently ignored.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from SEGKV_* variables found through lookup,
// for example SEGKV_DB_DIRECTORY or SEGKV_ARCHIVE_BUCKET. SEGKV_TLS_HOSTS
// is a comma-separated list.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("DB_DIRECTORY", &c.DBDirectory)
	str("LISTEN_ADDRESS", &c.ListenAddress)
	integer("MAX_RECORDS_PER_SEGMENT", &c.MaxRecordsPerSegment)
	str("ADMIN_ADDRESS", &c.AdminAddress)
	str("LOG_LEVEL", &c.LogLevel)
	boolean("SYNC_WRITES", &c.SyncWrites)
	boolean("USE_HINTS", &c.UseHints)
	integer("MAX_LINE_BYTES", &c.MaxLineBytes)
	integer("MAX_CONNECTIONS", &c.MaxConnections)
	duration("IDLE_TIMEOUT", &c.IdleTimeout)
	duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	str("TLS_CERT_FILE", &c.TLS.CertFile)
	str("TLS_KEY_FILE", &c.TLS.KeyFile)
	boolean("TLS_SELF_SIGNED", &c.TLS.SelfSigned)
	if v, ok := lookup(EnvPrefix + "TLS_HOSTS"); ok {
		c.TLS.Hosts = splitList(v)
	}

	str("ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("ARCHIVE_PREFIX", &c.Archive.Prefix)
	str("ARCHIVE_REGION", &c.Archive.Region)
	str("ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	str("ARCHIVE_ACCESS_KEY_ID", &c.Archive.AccessKeyID)
	str("ARCHIVE_SECRET_ACCESS_KEY", &c.Archive.SecretAccessKey)
	boolean("ARCHIVE_USE_PATH_STYLE", &c.Archive.UsePathStyle)
	duration("ARCHIVE_TIMEOUT", &c.Archive.Timeout)

	return errors.Join(errs...)
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}

	cv := validation.NewConfigValidator("config").
		NonNegativeDuration("idle_timeout", c.IdleTimeout).
		MinDuration("shutdown_timeout", c.ShutdownTimeout, 100*time.Millisecond).
		Custom("admin_address", func() error {
			// port 0 picks a free port for each listener, so equal
			// strings do not collide
			if c.AdminAddress != "" && c.AdminAddress == c.ListenAddress && !ephemeral(c.ListenAddress) {
				return errors.New("must differ from listen_address")
			}
			return nil
		})

	cv.When(c.TLS.Enabled(), func(v *validation.ConfigValidator) {
		v.Custom("tls.cert_file", func() error {
			hasFiles := c.TLS.CertFile != "" || c.TLS.KeyFile != ""
			switch {
			case c.TLS.SelfSigned && hasFiles:
				return errors.New("self_signed cannot be combined with cert_file or key_file")
			case !c.TLS.SelfSigned && (c.TLS.CertFile == "" || c.TLS.KeyFile == ""):
				return errors.New("cert_file and key_file must be set together")
			}
			return nil
		})
	})

	cv.When(c.Archive.Enabled(), func(v *validation.ConfigValidator) {
		v.MinDuration("archive.timeout", c.Archive.Timeout, time.Second).
			Custom("archive.endpoint", func() error {
				if c.Archive.Endpoint == "" {
					return nil
				}
				u, err := url.Parse(c.Archive.Endpoint)
				if err != nil {
					return err
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return fmt.Errorf("scheme %q must be http or https", u.Scheme)
				}
				return nil
			}).
			Custom("archive.access_key_id", func() error {
				if (c.Archive.AccessKeyID == "") != (c.Archive.SecretAccessKey == "") {
					return errors.New("access_key_id and secret_access_key must be set together")
				}
				return nil
			})
	})

	return cv.Validate()
}

// Level returns the parsed log level.
func (c *Config) Level() logging.Level {
	return logging.ParseLevel(c.LogLevel)
}

// StoreOptions maps the configuration onto storage.Options. The archiver
// is wired separately because it needs network setup.
func (c *Config) StoreOptions(logger logging.Logger, reg *metrics.Registry) storage.Options {
	return storage.Options{
		Dir:                  c.DBDirectory,
		MaxRecordsPerSegment: c.MaxRecordsPerSegment,
		SyncWrites:           c.SyncWrites,
		UseHints:             c.UseHints,
		ArchiveTimeout:       c.Archive.Timeout,
		Logger:               logger,
		Metrics:              reg,
	}
}

// ServerConfig maps the configuration onto the protocol server settings.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Addr:           c.ListenAddress,
		MaxLineBytes:   c.MaxLineBytes,
		IdleTimeout:    c.IdleTimeout,
		MaxConnections: c.MaxConnections,
	}
}

func ephemeral(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port == "0"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ArchiveRegion returns the configured region or the default one.
func (c *Config) ArchiveRegion() string {
	return validation.DefaultOr(c.Archive.Region, DefaultArchiveRegion)
}
