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
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// public exponent of the Terminal Services signing key
const tsskPublicExponent = 0xc0887b5b

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestProprietaryCertificate(t *testing.T) {
	key := generateKey(t)
	data := NewProprietaryCertificate(&key.PublicKey)

	cert, err := ParseServerCertificate(data)
	require.NoError(t, err)
	assert.True(t, cert.Proprietary())
	assert.Nil(t, cert.Leaf)
	assert.Equal(t, 0, key.PublicKey.N.Cmp(cert.PublicKey.N))
	assert.Equal(t, key.PublicKey.E, cert.PublicKey.E)

	// the trailing signature blob is 72 bytes plus its 4-byte header
	sigOffset := len(data) - 72
	signed := data[:sigOffset-4]
	assert.Equal(t, uint16(BB_RSA_SIGNATURE_BLOB), binary.LittleEndian.Uint16(data[sigOffset-4:]))

	recovered := rawRSA(data[sigOffset:sigOffset+64], big.NewInt(tsskPublicExponent), leToInt(tsskModulus))
	hash := md5.Sum(signed)
	assert.Equal(t, hash[:], recovered[:16])
	assert.Equal(t, byte(0x01), recovered[62])
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 45), recovered[17:62])
}

func TestClientRandomRoundTrip(t *testing.T) {
	key := generateKey(t)
	random := make([]byte, 32)
	_, err := rand.Read(random)
	require.NoError(t, err)

	encrypted := EncryptClientRandom(&key.PublicKey, random)
	assert.Len(t, encrypted, 256+8)
	assert.Equal(t, make([]byte, 8), encrypted[256:])

	decrypted, err := DecryptClientRandom(key, encrypted)
	require.NoError(t, err)
	assert.Equal(t, random, decrypted)

	_, err = DecryptClientRandom(key, encrypted[:100])
	assert.Error(t, err)
}

func TestX509CertificateChain(t *testing.T) {
	key := generateKey(t)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "terminal"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	var chain bytes.Buffer
	binary.Write(&chain, binary.LittleEndian, uint32(CERT_CHAIN_VERSION_2|CERT_TEMPORARY))
	binary.Write(&chain, binary.LittleEndian, uint32(2))
	for _, c := range [][]byte{{0x30, 0x00}, der} {
		binary.Write(&chain, binary.LittleEndian, uint32(len(c)))
		chain.Write(c)
	}
	chain.Write(make([]byte, 16))

	cert, err := ParseServerCertificate(chain.Bytes())
	require.NoError(t, err)
	assert.False(t, cert.Proprietary())
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, "terminal", cert.Leaf.Subject.CommonName)
	assert.Equal(t, 0, key.PublicKey.N.Cmp(cert.PublicKey.N))
}

func TestServerCertificateUnknownVersion(t *testing.T) {
	_, err := ParseServerCertificate([]byte{0x03, 0x00, 0x00, 0x00})
	assert.Error(t, err)

	_, err = ParseServerCertificate([]byte{0x01, 0x00})
	assert.Error(t, err)
}

func TestLittleEndianIntegers(t *testing.T) {
	v := leToInt([]byte{0x01, 0x02})
	assert.Equal(t, int64(0x0201), v.Int64())
	assert.Equal(t, []byte{0x01, 0x02, 0x00, 0x00}, intToLE(v, 4))
}
