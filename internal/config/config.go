// RDP MITM Go - Intercepting relay for RDP sessions
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads the relay configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables overriding configuration
// keys, e.g. RDPMITM_TARGET_HOST for target.host.
const EnvPrefix = "RDPMITM"

// Config represents the relay configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (RDPMITM_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Target is the real RDP server every session is relayed to
	Target TargetConfig `mapstructure:"target" yaml:"target"`

	// Listen is the local address clients connect to
	Listen ListenConfig `mapstructure:"listen" yaml:"listen"`

	// TLS holds the certificate presented to clients
	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`

	// Output is the root of everything the relay persists
	Output OutputConfig `mapstructure:"output" yaml:"output"`

	Extraction ExtractionConfig `mapstructure:"extraction" yaml:"extraction"`
	Recording  RecordingConfig  `mapstructure:"recording" yaml:"recording"`
	Clipboard  ClipboardConfig  `mapstructure:"clipboard" yaml:"clipboard"`
	Crawler    CrawlerConfig    `mapstructure:"crawler" yaml:"crawler"`

	// Auth restricts the security protocols offered to the server
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// NLA configures what happens when the server insists on CredSSP
	NLA NLAConfig `mapstructure:"nla" yaml:"nla"`

	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

type TargetConfig struct {
	Host string `mapstructure:"host" validate:"omitempty,hostname_rfc1123|ip" yaml:"host"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
}

// Address returns host:port, or "" when no host is configured.
func (c TargetConfig) Address() string {
	if c.Host == "" {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type ListenConfig struct {
	Address string `mapstructure:"address" validate:"omitempty,ip" yaml:"address"`
	Port    int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
}

func (c ListenConfig) String() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// TLSConfig names the PEM certificate and key presented to clients. When both
// are empty a self-signed pair is generated under the output certs directory.
type TLSConfig struct {
	Certificate string `mapstructure:"certificate" validate:"required_with=PrivateKey" yaml:"certificate"`
	PrivateKey  string `mapstructure:"private_key" validate:"required_with=Certificate" yaml:"private_key"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" validate:"required" yaml:"directory"`
}

func (c OutputConfig) ReplaysDir() string     { return filepath.Join(c.Directory, "replays") }
func (c OutputConfig) FilesDir() string       { return filepath.Join(c.Directory, "files") }
func (c OutputConfig) FilesystemsDir() string { return filepath.Join(c.Directory, "filesystems") }
func (c OutputConfig) CertsDir() string       { return filepath.Join(c.Directory, "certs") }

// TLSSecretsPath is the NSS key log file shared by all sessions.
func (c OutputConfig) TLSSecretsPath() string {
	return filepath.Join(c.Directory, "tls-secrets.log")
}

// ExtractionConfig controls saving files the client reads through drive
// redirection.
type ExtractionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// MaxFileSize in bytes; a file growing past it is abandoned. Zero
	// disables the limit.
	MaxFileSize int64 `mapstructure:"max_file_size" validate:"gte=0" yaml:"max_file_size"`
}

// RecordingConfig controls writing a replay file per session.
type RecordingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type ClipboardConfig struct {
	// Mode is passive (log what crosses the channel) or active (also fetch
	// text as soon as it is copied)
	Mode string `mapstructure:"mode" validate:"oneof=passive active" yaml:"mode"`

	// TransferTimeout aborts a clipboard file transfer without progress
	TransferTimeout time.Duration `mapstructure:"transfer_timeout" validate:"gt=0" yaml:"transfer_timeout"`
}

type CrawlerConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// MatchFile and IgnoreFile hold one glob per line. Built-in lists are
	// used when empty.
	MatchFile  string `mapstructure:"match_file" yaml:"match_file"`
	IgnoreFile string `mapstructure:"ignore_file" yaml:"ignore_file"`

	// DownloadMatchedDirectories queues every entry of a listed directory for
	// download instead of only the ones matching a pattern.
	DownloadMatchedDirectories bool `mapstructure:"download_matched_directories" yaml:"download_matched_directories"`
}

// Protocol names accepted in auth.protocols.
const (
	ProtocolRDP    = "rdp"
	ProtocolSSL    = "ssl"
	ProtocolHybrid = "hybrid"
)

type AuthConfig struct {
	Protocols []string `mapstructure:"protocols" validate:"required,min=1,unique,dive,oneof=rdp ssl hybrid" yaml:"protocols"`
}

// Allows reports whether name is in the allowed protocol set.
func (c AuthConfig) Allows(name string) bool {
	for _, p := range c.Protocols {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

// NLA fallback names accepted in nla.fallback_order.
const (
	FallbackFakeServer = "fake-server"
	FallbackRedirect   = "redirect"
	FallbackCapture    = "capture"
)

type NLAConfig struct {
	// FallbackOrder is tried first to last; the first enabled entry wins.
	FallbackOrder []string `mapstructure:"fallback_order" validate:"unique,dive,oneof=fake-server redirect capture" yaml:"fallback_order"`

	FakeServer FakeServerConfig `mapstructure:"fake_server" yaml:"fake_server"`
	Redirect   RedirectConfig   `mapstructure:"redirect" yaml:"redirect"`
	Capture    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
}

// FakeServerConfig points at a locally hosted RDP server that accepts the
// downgraded handshake.
type FakeServerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" validate:"required_if=Enabled true" yaml:"host"`
	Port    int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
}

// RedirectConfig is enabled when Host is set.
type RedirectConfig struct {
	Host string `mapstructure:"host" validate:"omitempty,hostname_rfc1123|ip" yaml:"host"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
}

type CaptureConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Enabled reports whether the named fallback is configured.
func (c NLAConfig) Enabled(name string) bool {
	switch name {
	case FallbackFakeServer:
		return c.FakeServer.Enabled
	case FallbackRedirect:
		return c.Redirect.Host != ""
	case FallbackCapture:
		return c.Capture.Enabled
	}
	return false
}

// CredentialsConfig optionally rewrites the credentials in the client info
// PDU before it reaches the server.
type CredentialsConfig struct {
	ReplaceUsername string `mapstructure:"replace_username" yaml:"replace_username"`
	ReplacePassword string `mapstructure:"replace_password" yaml:"replace_password"`
}

type SessionConfig struct {
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout" validate:"gt=0" yaml:"connect_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout" validate:"gt=0" yaml:"tls_handshake_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`

	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" validate:"hostname_port" yaml:"address"`
}

// Load reads configuration from configPath (or the default search path when
// empty), overlays environment variables, applies defaults and validates the
// result. A missing config file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg as YAML, creating the parent directory.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// the file may hold replacement credentials
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetDefaultConfigPath returns $XDG_CONFIG_HOME/rdp-mitm/config.yaml.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

func getConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "rdp-mitm")
	}
	return "."
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only consults keys viper already knows about
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}
