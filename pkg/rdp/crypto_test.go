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
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRandoms() ([]byte, []byte) {
	client := make([]byte, 32)
	server := make([]byte, 32)
	for i := range client {
		client[i] = byte(i)
		server[i] = byte(0xFF - i)
	}
	return client, server
}

func TestDeriveKeysDeterministic(t *testing.T) {
	client, server := testRandoms()
	for _, method := range []uint32{ENCRYPTION_METHOD_40BIT, ENCRYPTION_METHOD_56BIT, ENCRYPTION_METHOD_128BIT} {
		a, err := DeriveKeys(client, server, method)
		require.NoError(t, err)
		b, err := DeriveKeys(client, server, method)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

// Expected values for testRandoms, computed from the MS-RDPBCGR 5.3.5.1
// formulas by a separate implementation.
func TestDeriveKeysKnownAnswer(t *testing.T) {
	client, server := testRandoms()
	tests := []struct {
		name    string
		method  uint32
		mac     string
		encrypt string
		decrypt string
	}{
		{"40-bit", ENCRYPTION_METHOD_40BIT, "d1269e518de689f3", "d1269e32b901d857", "d1269e37e922fd12"},
		{"56-bit", ENCRYPTION_METHOD_56BIT, "d1743c518de689f3", "d102a732b901d857", "d10df137e922fd12"},
		{"128-bit", ENCRYPTION_METHOD_128BIT,
			"98743c518de689f33204357332af6c45",
			"dc02a732b901d857768266dc1cd34492",
			"df0df137e922fd125af4fb998fb3c7aa"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := DeriveKeys(client, server, tt.method)
			require.NoError(t, err)
			assert.Equal(t, tt.mac, hex.EncodeToString(keys.MACKey))
			assert.Equal(t, tt.encrypt, hex.EncodeToString(keys.ClientEncryptKey))
			assert.Equal(t, tt.decrypt, hex.EncodeToString(keys.ClientDecryptKey))
		})
	}
}

func TestCrypterRekeyKnownAnswer(t *testing.T) {
	client, server := testRandoms()
	tests := []struct {
		name      string
		method    uint32
		first     string // key in use from operation 4097
		keystream string // first bytes produced under it
		second    string // key in use from operation 8193
	}{
		{"40-bit", ENCRYPTION_METHOD_40BIT, "d1269ec94b77193b", "aa3db0d3bb1af627", "d1269eb6bb092921"},
		{"128-bit", ENCRYPTION_METHOD_128BIT,
			"f0e393a3822d2f6b95da60b0373a1925", "b303b67fdac3aee1",
			"b25f11d72c2a3e2e1994ecd3d0dac3d4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := DeriveKeys(client, server, tt.method)
			require.NoError(t, err)
			c := NewCrypter(keys, RoleClient)
			for i := 0; i < rekeyInterval; i++ {
				c.Encrypt([]byte{0x00})
			}

			out := c.Encrypt(make([]byte, 8))
			assert.Equal(t, tt.first, hex.EncodeToString(c.encrypt.current))
			assert.Equal(t, tt.keystream, hex.EncodeToString(out))

			for i := 1; i < rekeyInterval; i++ {
				c.Encrypt([]byte{0x00})
			}
			assert.Equal(t, tt.first, hex.EncodeToString(c.encrypt.current))
			c.Encrypt([]byte{0x00})
			assert.Equal(t, tt.second, hex.EncodeToString(c.encrypt.current))
		})
	}
}

func TestMACSignatureKnownAnswer(t *testing.T) {
	mac128 := mustHex(t, "98743c518de689f33204357332af6c45")
	mac40 := mustHex(t, "d1269e518de689f3")
	data := []byte("hello")

	assert.Equal(t, "b1a0808d12a0785a", hex.EncodeToString(macSignature(mac128, data, 0, false)))
	assert.Equal(t, "f27610153dc78e62", hex.EncodeToString(macSignature(mac128, data, 0, true)))
	assert.Equal(t, "12aee88c7f6961bd", hex.EncodeToString(macSignature(mac128, data, 42, true)))
	assert.Equal(t, "c8cfd649a1d787e3", hex.EncodeToString(macSignature(mac40, data, 7, true)))

	client, server := testRandoms()
	keys, err := DeriveKeys(client, server, ENCRYPTION_METHOD_128BIT)
	require.NoError(t, err)
	c := NewCrypter(keys, RoleClient)
	assert.Equal(t, "f27610153dc78e62", hex.EncodeToString(c.Sign(data, true)))
	assert.Equal(t, "b1a0808d12a0785a", hex.EncodeToString(c.Sign(data, false)))
}

func TestDeriveKeysLengths(t *testing.T) {
	client, server := testRandoms()
	tests := []struct {
		name   string
		method uint32
		size   int
		prefix []byte
	}{
		{"40-bit", ENCRYPTION_METHOD_40BIT, 8, []byte{0xD1, 0x26, 0x9E}},
		{"56-bit", ENCRYPTION_METHOD_56BIT, 8, []byte{0xD1}},
		{"128-bit", ENCRYPTION_METHOD_128BIT, 16, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := DeriveKeys(client, server, tt.method)
			require.NoError(t, err)
			for _, k := range [][]byte{keys.MACKey, keys.ClientEncryptKey, keys.ClientDecryptKey} {
				assert.Len(t, k, tt.size)
				assert.True(t, bytes.HasPrefix(k, tt.prefix))
			}
		})
	}
}

func TestDeriveKeysSensitivity(t *testing.T) {
	client, server := testRandoms()
	base, err := DeriveKeys(client, server, ENCRYPTION_METHOD_128BIT)
	require.NoError(t, err)

	for i := 0; i < 32; i++ {
		c := append([]byte(nil), client...)
		c[i] ^= 0x01
		keys, err := DeriveKeys(c, server, ENCRYPTION_METHOD_128BIT)
		require.NoError(t, err)
		assert.NotEqual(t, base.MACKey, keys.MACKey, "client byte %d", i)
		assert.NotEqual(t, base.ClientEncryptKey, keys.ClientEncryptKey, "client byte %d", i)
		assert.NotEqual(t, base.ClientDecryptKey, keys.ClientDecryptKey, "client byte %d", i)

		s := append([]byte(nil), server...)
		s[i] ^= 0x01
		keys, err = DeriveKeys(client, s, ENCRYPTION_METHOD_128BIT)
		require.NoError(t, err)
		assert.NotEqual(t, base.MACKey, keys.MACKey, "server byte %d", i)
		assert.NotEqual(t, base.ClientEncryptKey, keys.ClientEncryptKey, "server byte %d", i)
		assert.NotEqual(t, base.ClientDecryptKey, keys.ClientDecryptKey, "server byte %d", i)
	}
}

func TestDeriveKeysRejects(t *testing.T) {
	client, server := testRandoms()
	_, err := DeriveKeys(client, server, ENCRYPTION_METHOD_FIPS)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = DeriveKeys(client[:16], server, ENCRYPTION_METHOD_128BIT)
	assert.Error(t, err)
}

func TestCrypterRekey(t *testing.T) {
	client, server := testRandoms()
	keys, err := DeriveKeys(client, server, ENCRYPTION_METHOD_128BIT)
	require.NoError(t, err)
	c := NewCrypter(keys, RoleClient)

	for i := 0; i < rekeyInterval; i++ {
		c.Encrypt([]byte{0x00})
	}
	assert.Equal(t, rekeyInterval, c.encrypt.useCount)
	assert.Equal(t, keys.ClientEncryptKey, c.encrypt.current)

	c.Encrypt([]byte{0x00})
	assert.Equal(t, 1, c.encrypt.useCount)
	assert.NotEqual(t, keys.ClientEncryptKey, c.encrypt.current)
	assert.Equal(t, uint32(rekeyInterval+1), c.EncryptCount())

	assert.Equal(t, 0, c.decrypt.useCount)
	assert.Equal(t, uint32(0), c.DecryptCount())
}

func TestCrypterRoundTrip(t *testing.T) {
	client, server := testRandoms()
	for _, method := range []uint32{ENCRYPTION_METHOD_40BIT, ENCRYPTION_METHOD_56BIT, ENCRYPTION_METHOD_128BIT} {
		keys, err := DeriveKeys(client, server, method)
		require.NoError(t, err)
		cli := NewCrypter(keys, RoleClient)
		srv := NewCrypter(keys, RoleServer)

		for i := 0; i < 10000; i++ {
			msg := []byte{byte(i), byte(i >> 8), 0x42, 0x43}
			salted := i%2 == 0

			sig := cli.Sign(msg, salted)
			plain := srv.Decrypt(cli.Encrypt(msg))
			require.Equal(t, msg, plain, "client to server message %d", i)
			require.True(t, srv.Verify(plain, sig, salted), "client to server signature %d", i)

			sig = srv.Sign(msg, salted)
			plain = cli.Decrypt(srv.Encrypt(msg))
			require.Equal(t, msg, plain, "server to client message %d", i)
			require.True(t, cli.Verify(plain, sig, salted), "server to client signature %d", i)
		}
	}
}

func TestCrypterVerifyRejectsTampering(t *testing.T) {
	client, server := testRandoms()
	keys, err := DeriveKeys(client, server, ENCRYPTION_METHOD_128BIT)
	require.NoError(t, err)
	cli := NewCrypter(keys, RoleClient)
	srv := NewCrypter(keys, RoleServer)

	msg := []byte("hello")
	sig := cli.Sign(msg, true)
	plain := srv.Decrypt(cli.Encrypt(msg))
	plain[0] ^= 0xFF
	assert.False(t, srv.Verify(plain, sig, true))
}

func TestSecuritySettings(t *testing.T) {
	client, server := testRandoms()

	s := NewSecuritySettings(RoleServer)
	assert.ErrorIs(t, s.SetEncryption(ENCRYPTION_METHOD_FIPS, ENCRYPTION_LEVEL_FIPS), ErrUnsupported)
	require.NoError(t, s.SetEncryption(ENCRYPTION_METHOD_128BIT, ENCRYPTION_LEVEL_CLIENT_COMPATIBLE))
	assert.True(t, s.Encrypted())

	var ready *Crypter
	s.OnReady(func(c *Crypter) { ready = c })
	require.NoError(t, s.SetServerRandom(server))
	assert.False(t, s.Ready())
	assert.Nil(t, ready)

	require.NoError(t, s.SetClientRandom(client))
	assert.True(t, s.Ready())
	assert.Same(t, s.Crypter(), ready)

	var late *Crypter
	s.OnReady(func(c *Crypter) { late = c })
	assert.Same(t, s.Crypter(), late)

	plain := NewSecuritySettings(RoleClient)
	require.NoError(t, plain.SetEncryption(ENCRYPTION_METHOD_NONE, ENCRYPTION_LEVEL_NONE))
	require.NoError(t, plain.SetClientRandom(client))
	require.NoError(t, plain.SetServerRandom(server))
	assert.False(t, plain.Ready())
}
