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
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// rekeyInterval is the number of operations after which a directional
// RC4 key is updated (MS-RDPBCGR 5.3.7).
const rekeyInterval = 4096

var (
	pad1 = repeatByte(0x36, 40)
	pad2 = repeatByte(0x5C, 48)
)

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// SessionKeys are the keys derived from the client and server randoms,
// named from the client's point of view (MS-RDPBCGR 5.3.5.1).
type SessionKeys struct {
	Method           uint32
	MACKey           []byte
	ClientEncryptKey []byte
	ClientDecryptKey []byte
}

// saltedHash computes MD5(secret + SHA1(salt + secret + clientRandom + serverRandom)).
func saltedHash(secret, salt, clientRandom, serverRandom []byte) []byte {
	sha := sha1.New()
	sha.Write(salt)
	sha.Write(secret)
	sha.Write(clientRandom)
	sha.Write(serverRandom)

	h := md5.New()
	h.Write(secret)
	h.Write(sha.Sum(nil))
	return h.Sum(nil)
}

func finalHash(key, clientRandom, serverRandom []byte) []byte {
	h := md5.New()
	h.Write(key)
	h.Write(clientRandom)
	h.Write(serverRandom)
	return h.Sum(nil)
}

func tripleSaltedHash(secret, clientRandom, serverRandom []byte, salts ...string) []byte {
	var out []byte
	for _, salt := range salts {
		out = append(out, saltedHash(secret, []byte(salt), clientRandom, serverRandom)...)
	}
	return out
}

// reduceKey truncates a 128-bit key to the strength of method and applies
// the fixed salt of the 40-bit and 56-bit variants.
func reduceKey(key []byte, method uint32) []byte {
	switch method {
	case ENCRYPTION_METHOD_40BIT:
		out := append([]byte(nil), key[:8]...)
		out[0], out[1], out[2] = 0xD1, 0x26, 0x9E
		return out
	case ENCRYPTION_METHOD_56BIT:
		out := append([]byte(nil), key[:8]...)
		out[0] = 0xD1
		return out
	default:
		return append([]byte(nil), key[:16]...)
	}
}

// DeriveKeys derives the MAC and RC4 keys for a non-FIPS encryption method
// (MS-RDPBCGR 5.3.5.1). It is a pure function of its inputs.
func DeriveKeys(clientRandom, serverRandom []byte, method uint32) (*SessionKeys, error) {
	switch method {
	case ENCRYPTION_METHOD_40BIT, ENCRYPTION_METHOD_56BIT, ENCRYPTION_METHOD_128BIT:
	case ENCRYPTION_METHOD_FIPS:
		return nil, fmt.Errorf("%w: FIPS encryption", ErrUnsupported)
	default:
		return nil, fmt.Errorf("%w: encryption method 0x%08X", ErrUnsupported, method)
	}
	if len(clientRandom) < 32 || len(serverRandom) < 32 {
		return nil, fmt.Errorf("randoms must be 32 bytes, got %d and %d", len(clientRandom), len(serverRandom))
	}
	clientRandom, serverRandom = clientRandom[:32], serverRandom[:32]

	preMaster := append(append([]byte(nil), clientRandom[:24]...), serverRandom[:24]...)
	master := tripleSaltedHash(preMaster, clientRandom, serverRandom, "A", "BB", "CCC")
	blob := tripleSaltedHash(master, clientRandom, serverRandom, "X", "YY", "ZZZ")

	return &SessionKeys{
		Method:           method,
		MACKey:           reduceKey(blob[0:16], method),
		ClientDecryptKey: reduceKey(finalHash(blob[16:32], clientRandom, serverRandom), method),
		ClientEncryptKey: reduceKey(finalHash(blob[32:48], clientRandom, serverRandom), method),
	}, nil
}

// updateKey derives the next RC4 key from the initial and current keys
// (MS-RDPBCGR 5.3.7.1).
func updateKey(initial, current []byte, method uint32) []byte {
	sha := sha1.New()
	sha.Write(initial)
	sha.Write(pad1)
	sha.Write(current)

	h := md5.New()
	h.Write(initial)
	h.Write(pad2)
	h.Write(sha.Sum(nil))
	temp := h.Sum(nil)[:len(initial)]

	c, _ := rc4.NewCipher(temp)
	next := make([]byte, len(temp))
	c.XORKeyStream(next, temp)

	if method == ENCRYPTION_METHOD_128BIT {
		return next
	}
	return reduceKey(next, method)
}

// rc4Stream is one direction of an RDP RC4 context.
type rc4Stream struct {
	method   uint32
	initial  []byte
	current  []byte
	cipher   *rc4.Cipher
	useCount int    // operations since the last (re)key
	total    uint32 // operations since the context was created
}

func newRC4Stream(key []byte, method uint32) *rc4Stream {
	c, _ := rc4.NewCipher(key)
	return &rc4Stream{
		method:  method,
		initial: append([]byte(nil), key...),
		current: append([]byte(nil), key...),
		cipher:  c,
	}
}

func (s *rc4Stream) process(data []byte) []byte {
	if s.useCount >= rekeyInterval {
		s.current = updateKey(s.initial, s.current, s.method)
		s.cipher, _ = rc4.NewCipher(s.current)
		s.useCount = 0
	}
	out := make([]byte, len(data))
	s.cipher.XORKeyStream(out, data)
	s.useCount++
	s.total++
	return out
}

// Role selects which directional keys a Crypter encrypts with.
type Role int

const (
	// RoleClient encrypts with the client encrypt key, as the real client does.
	RoleClient Role = iota
	// RoleServer encrypts with the client decrypt key, as the real server does.
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Crypter holds the RC4 state of one end of a standard-security connection.
// The two directions keep independent counters.
type Crypter struct {
	macKey  []byte
	encrypt *rc4Stream
	decrypt *rc4Stream
}

// NewCrypter builds the crypter used by the given role.
func NewCrypter(keys *SessionKeys, role Role) *Crypter {
	encKey, decKey := keys.ClientEncryptKey, keys.ClientDecryptKey
	if role == RoleServer {
		encKey, decKey = decKey, encKey
	}
	return &Crypter{
		macKey:  append([]byte(nil), keys.MACKey...),
		encrypt: newRC4Stream(encKey, keys.Method),
		decrypt: newRC4Stream(decKey, keys.Method),
	}
}

// Encrypt returns the ciphertext of data, rekeying first when due.
func (c *Crypter) Encrypt(data []byte) []byte { return c.encrypt.process(data) }

// Decrypt returns the plaintext of data, rekeying first when due.
func (c *Crypter) Decrypt(data []byte) []byte { return c.decrypt.process(data) }

// EncryptCount and DecryptCount return the number of operations performed
// in each direction.
func (c *Crypter) EncryptCount() uint32 { return c.encrypt.total }
func (c *Crypter) DecryptCount() uint32 { return c.decrypt.total }

// Sign computes the MAC for data about to be encrypted. The salted variant
// mixes in the number of encryptions performed so far.
func (c *Crypter) Sign(data []byte, salted bool) []byte {
	if salted {
		return macSignature(c.macKey, data, c.encrypt.total, true)
	}
	return macSignature(c.macKey, data, 0, false)
}

// Verify checks the MAC of data that was just decrypted.
func (c *Crypter) Verify(data, signature []byte, salted bool) bool {
	var expected []byte
	if salted {
		expected = macSignature(c.macKey, data, c.decrypt.total-1, true)
	} else {
		expected = macSignature(c.macKey, data, 0, false)
	}
	return subtle.ConstantTimeCompare(expected, signature) == 1
}

// macSignature implements MS-RDPBCGR 5.3.6.1 and 5.3.6.1.1.
func macSignature(macKey, data []byte, count uint32, salted bool) []byte {
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(data)))

	sha := sha1.New()
	sha.Write(macKey)
	sha.Write(pad1)
	sha.Write(length[:])
	sha.Write(data)
	if salted {
		var c [4]byte
		binary.LittleEndian.PutUint32(c[:], count)
		sha.Write(c[:])
	}

	h := md5.New()
	h.Write(macKey)
	h.Write(pad2)
	h.Write(sha.Sum(nil))
	return h.Sum(nil)[:8]
}

// SecuritySettings collects the negotiated encryption parameters of one leg
// and materializes its Crypter once both randoms are known.
type SecuritySettings struct {
	role         Role
	method       uint32
	level        uint32
	clientRandom []byte
	serverRandom []byte
	keys         *SessionKeys
	crypter      *Crypter
	observers    []func(*Crypter)
}

func NewSecuritySettings(role Role) *SecuritySettings {
	return &SecuritySettings{role: role}
}

func (s *SecuritySettings) Role() Role { return s.role }

// SetEncryption records the method and level selected by the server.
func (s *SecuritySettings) SetEncryption(method, level uint32) error {
	if method == ENCRYPTION_METHOD_FIPS || level == ENCRYPTION_LEVEL_FIPS {
		return fmt.Errorf("%w: FIPS encryption", ErrUnsupported)
	}
	s.method, s.level = method, level
	return nil
}

func (s *SecuritySettings) Method() uint32 { return s.method }
func (s *SecuritySettings) Level() uint32  { return s.level }

// Encrypted reports whether standard RDP encryption is in use.
func (s *SecuritySettings) Encrypted() bool { return s.method != ENCRYPTION_METHOD_NONE }

func (s *SecuritySettings) SetClientRandom(random []byte) error {
	s.clientRandom = append([]byte(nil), random...)
	return s.materialize()
}

func (s *SecuritySettings) SetServerRandom(random []byte) error {
	s.serverRandom = append([]byte(nil), random...)
	return s.materialize()
}

func (s *SecuritySettings) ClientRandom() []byte { return s.clientRandom }
func (s *SecuritySettings) ServerRandom() []byte { return s.serverRandom }

// OnReady registers fn to run when the crypter becomes available. If it
// already is, fn runs immediately.
func (s *SecuritySettings) OnReady(fn func(*Crypter)) {
	if s.crypter != nil {
		fn(s.crypter)
		return
	}
	s.observers = append(s.observers, fn)
}

// Ready reports whether keys have been derived.
func (s *SecuritySettings) Ready() bool { return s.crypter != nil }

// Crypter returns the leg's crypter, or nil before both randoms are known.
func (s *SecuritySettings) Crypter() *Crypter { return s.crypter }

// Keys returns the derived session keys, or nil.
func (s *SecuritySettings) Keys() *SessionKeys { return s.keys }

func (s *SecuritySettings) materialize() error {
	if s.clientRandom == nil || s.serverRandom == nil || !s.Encrypted() {
		return nil
	}
	keys, err := DeriveKeys(s.clientRandom, s.serverRandom, s.method)
	if err != nil {
		return err
	}
	s.keys = keys
	s.crypter = NewCrypter(keys, s.role)
	for _, fn := range s.observers {
		fn(s.crypter)
	}
	s.observers = nil
	return nil
}
