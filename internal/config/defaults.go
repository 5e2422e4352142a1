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

package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultRDPPort          = 3389
	DefaultOutputDirectory  = "rdp-mitm-output"
	DefaultTransferTimeout  = 5 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMetricsAddress   = "127.0.0.1:9469"
	DefaultMaxFileSize      = 1 << 30
)

// DefaultFallbackOrder is used when nla.fallback_order is empty.
var DefaultFallbackOrder = []string{FallbackFakeServer, FallbackRedirect, FallbackCapture}

// GetDefaultConfig returns a configuration with every default applied.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Extraction: ExtractionConfig{Enabled: true, MaxFileSize: DefaultMaxFileSize},
		Recording:  RecordingConfig{Enabled: true},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified configuration fields.
// Zero values are replaced, explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.Target.Port == 0 {
		cfg.Target.Port = DefaultRDPPort
	}
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = DefaultRDPPort
	}
	if cfg.Output.Directory == "" {
		cfg.Output.Directory = DefaultOutputDirectory
	}

	cfg.Clipboard.Mode = strings.ToLower(cfg.Clipboard.Mode)
	if cfg.Clipboard.Mode == "" {
		cfg.Clipboard.Mode = "passive"
	}
	if cfg.Clipboard.TransferTimeout == 0 {
		cfg.Clipboard.TransferTimeout = DefaultTransferTimeout
	}

	applyAuthDefaults(&cfg.Auth)
	applyNLADefaults(&cfg.NLA)

	if cfg.Session.ConnectTimeout == 0 {
		cfg.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Session.TLSHandshakeTimeout == 0 {
		cfg.Session.TLSHandshakeTimeout = DefaultHandshakeTimeout
	}

	applyLoggingDefaults(&cfg.Logging)

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = DefaultMetricsAddress
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = []string{ProtocolRDP, ProtocolSSL}
	}
	for i, p := range cfg.Protocols {
		cfg.Protocols[i] = strings.ToLower(strings.TrimSpace(p))
	}
}

func applyNLADefaults(cfg *NLAConfig) {
	if len(cfg.FallbackOrder) == 0 {
		cfg.FallbackOrder = append([]string(nil), DefaultFallbackOrder...)
	}
	for i, f := range cfg.FallbackOrder {
		cfg.FallbackOrder[i] = strings.ToLower(strings.TrimSpace(f))
	}
	if cfg.FakeServer.Port == 0 {
		cfg.FakeServer.Port = DefaultRDPPort
	}
	if cfg.Redirect.Port == 0 {
		cfg.Redirect.Port = DefaultRDPPort
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Level == "WARNING" {
		cfg.Level = "WARN"
	}
	cfg.Format = strings.ToLower(cfg.Format)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// setDefaults registers every key with viper so that environment variables
// are honored even without a config file.
func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()

	v.SetDefault("target.host", d.Target.Host)
	v.SetDefault("target.port", d.Target.Port)
	v.SetDefault("listen.address", d.Listen.Address)
	v.SetDefault("listen.port", d.Listen.Port)
	v.SetDefault("tls.certificate", d.TLS.Certificate)
	v.SetDefault("tls.private_key", d.TLS.PrivateKey)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("extraction.enabled", d.Extraction.Enabled)
	v.SetDefault("extraction.max_file_size", d.Extraction.MaxFileSize)
	v.SetDefault("recording.enabled", d.Recording.Enabled)
	v.SetDefault("clipboard.mode", d.Clipboard.Mode)
	v.SetDefault("clipboard.transfer_timeout", d.Clipboard.TransferTimeout)
	v.SetDefault("crawler.enabled", d.Crawler.Enabled)
	v.SetDefault("crawler.match_file", d.Crawler.MatchFile)
	v.SetDefault("crawler.ignore_file", d.Crawler.IgnoreFile)
	v.SetDefault("crawler.download_matched_directories", d.Crawler.DownloadMatchedDirectories)
	v.SetDefault("auth.protocols", d.Auth.Protocols)
	v.SetDefault("nla.fallback_order", d.NLA.FallbackOrder)
	v.SetDefault("nla.fake_server.enabled", d.NLA.FakeServer.Enabled)
	v.SetDefault("nla.fake_server.host", d.NLA.FakeServer.Host)
	v.SetDefault("nla.fake_server.port", d.NLA.FakeServer.Port)
	v.SetDefault("nla.redirect.host", d.NLA.Redirect.Host)
	v.SetDefault("nla.redirect.port", d.NLA.Redirect.Port)
	v.SetDefault("nla.capture.enabled", d.NLA.Capture.Enabled)
	v.SetDefault("credentials.replace_username", d.Credentials.ReplaceUsername)
	v.SetDefault("credentials.replace_password", d.Credentials.ReplacePassword)
	v.SetDefault("session.connect_timeout", d.Session.ConnectTimeout)
	v.SetDefault("session.tls_handshake_timeout", d.Session.TLSHandshakeTimeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
}
