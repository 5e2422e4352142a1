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

package rdp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	ztls "github.com/zmap/zcrypto/tls"
)

// TLSConfig holds TLS settings for the two legs of a relayed session.
type TLSConfig struct {
	// ServerName for SNI on the server leg
	ServerName string

	// Certificate presented to the real client
	Certificate tls.Certificate

	// KeyLog receives NSS key log lines for both legs; may be nil
	KeyLog io.Writer

	// Timeout for each TLS handshake
	Timeout time.Duration
}

// UpgradeServerLeg performs the client side of the TLS handshake with the
// real server. The certificate is not verified: the relay only needs the
// channel, and RDP servers usually present self-signed certificates.
func UpgradeServerLeg(conn net.Conn, cfg *TLSConfig) (*ztls.Conn, error) {
	config := &ztls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: true,
		MinVersion:         ztls.VersionTLS10,
		MaxVersion:         ztls.VersionTLS12,
		CipherSuites: []uint16{
			ztls.TLS_RSA_WITH_AES_128_CBC_SHA,
			ztls.TLS_RSA_WITH_AES_256_CBC_SHA,
			ztls.TLS_RSA_WITH_AES_128_GCM_SHA256,
			ztls.TLS_RSA_WITH_AES_256_GCM_SHA384,
			ztls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
			ztls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
			ztls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			ztls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}

	if cfg.Timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(cfg.Timeout)); err != nil {
			return nil, fmt.Errorf("failed to set TLS deadline: %w", err)
		}
	}

	tlsConn := ztls.Client(conn, config)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake with server failed: %w", err)
	}

	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to clear TLS deadline: %w", err)
	}

	if cfg.KeyLog != nil {
		if random, secret, ok := serverLegSecret(tlsConn); ok {
			if err := WriteKeyLogLine(cfg.KeyLog, random, secret); err != nil {
				return tlsConn, fmt.Errorf("failed to log server leg secret: %w", err)
			}
		}
	}
	return tlsConn, nil
}

// serverLegSecret pulls the client random and master secret out of the
// zcrypto handshake log.
func serverLegSecret(c *ztls.Conn) ([]byte, []byte, bool) {
	hl := c.GetHandshakeLog()
	if hl == nil || hl.ClientHello == nil || hl.KeyMaterial == nil || hl.KeyMaterial.MasterSecret == nil {
		return nil, nil, false
	}
	if len(hl.ClientHello.Random) == 0 || len(hl.KeyMaterial.MasterSecret.Value) == 0 {
		return nil, nil, false
	}
	return hl.ClientHello.Random, hl.KeyMaterial.MasterSecret.Value, true
}

// UpgradeClientLeg performs the server side of the TLS handshake with the
// real client using the relay's certificate.
func UpgradeClientLeg(conn net.Conn, cfg *TLSConfig) (*tls.Conn, error) {
	config := &tls.Config{
		Certificates: []tls.Certificate{cfg.Certificate},
		MinVersion:   tls.VersionTLS10,
		MaxVersion:   tls.VersionTLS12,
		KeyLogWriter: cfg.KeyLog,
	}

	if cfg.Timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(cfg.Timeout)); err != nil {
			return nil, fmt.Errorf("failed to set TLS deadline: %w", err)
		}
	}

	tlsConn := tls.Server(conn, config)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake with client failed: %w", err)
	}

	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to clear TLS deadline: %w", err)
	}
	return tlsConn, nil
}

// WriteKeyLogLine appends one NSS key log entry.
func WriteKeyLogLine(w io.Writer, clientRandom, masterSecret []byte) error {
	_, err := fmt.Fprintf(w, "CLIENT_RANDOM %x %x\n", clientRandom, masterSecret)
	return err
}

// TLSVersionString returns a human-readable TLS version string
func TLSVersionString(version uint16) string {
	switch version {
	case ztls.VersionSSL30:
		return "SSL 3.0"
	case ztls.VersionTLS10:
		return "TLS 1.0"
	case ztls.VersionTLS11:
		return "TLS 1.1"
	case ztls.VersionTLS12:
		return "TLS 1.2"
	case 0x0304:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("Unknown (0x%04x)", version)
	}
}

// IsTLSProtocol reports whether the negotiated protocol runs over TLS.
func IsTLSProtocol(protocol uint32) bool {
	return protocol&(PROTOCOL_SSL|PROTOCOL_HYBRID|PROTOCOL_HYBRID_EX|PROTOCOL_RDSTLS) != 0
}

// IsNLAProtocol reports whether the protocol requires CredSSP.
func IsNLAProtocol(protocol uint32) bool {
	return protocol&(PROTOCOL_HYBRID|PROTOCOL_HYBRID_EX) != 0
}

// LoadOrCreateCertificate loads a PEM certificate and key. When both paths
// are empty a self-signed pair is generated under dir, or reused if one is
// already there.
func LoadOrCreateCertificate(certPath, keyPath, dir, commonName string) (tls.Certificate, error) {
	if certPath == "" && keyPath == "" {
		certPath = filepath.Join(dir, "relay.crt")
		keyPath = filepath.Join(dir, "relay.key")
		if _, err := os.Stat(certPath); os.IsNotExist(err) {
			if err := GenerateSelfSignedCertificate(certPath, keyPath, commonName); err != nil {
				return tls.Certificate{}, err
			}
		}
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load certificate %s: %w", certPath, err)
	}
	return cert, nil
}

// GenerateSelfSignedCertificate writes a 2048-bit RSA key and a matching
// self-signed server certificate valid for one year.
func GenerateSelfSignedCertificate(certPath, keyPath, commonName string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return fmt.Errorf("failed to generate serial: %w", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	return writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0o600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
