package sui

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
)

const (
	schemeSecp256k1 = 0x01
	sigLen          = 64
)

// intentTransaction is the (scope, version, app) prefix of a signed transaction.
var intentTransaction = []byte{0, 0, 0}

// Signer holds a secp256k1 key and derives the ledger address from it.
type Signer struct {
	key     *ecdsa.PrivateKey
	pub     []byte // compressed, 33 bytes
	address string
}

// NewSigner parses a hex private key (with or without 0x).
func NewSigner(privateKeyHex string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("sui.NewSigner: decode key: %w", err)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("sui.NewSigner: parse key: %w", err)
	}
	pub := crypto.CompressPubkey(&key.PublicKey)

	h := blake2b.Sum256(append([]byte{schemeSecp256k1}, pub...))
	return &Signer{
		key:     key,
		pub:     pub,
		address: "0x" + hex.EncodeToString(h[:]),
	}, nil
}

// Address is the account that owns the signer's objects.
func (s *Signer) Address() string { return s.address }

// PublicKey returns the compressed public key.
func (s *Signer) PublicKey() []byte { return append([]byte(nil), s.pub...) }

// Digest is the 32-byte message the key signs for txBytes.
func Digest(txBytes []byte) []byte {
	msg := make([]byte, 0, len(intentTransaction)+len(txBytes))
	msg = append(msg, intentTransaction...)
	msg = append(msg, txBytes...)
	inner := blake2b.Sum256(msg)
	outer := sha256.Sum256(inner[:])
	return outer[:]
}

// Sign returns the serialized signature: base64(flag || r||s || pubkey).
func (s *Signer) Sign(txBytes []byte) (string, error) {
	sig, err := crypto.Sign(Digest(txBytes), s.key)
	if err != nil {
		return "", fmt.Errorf("sui.Sign: %w", err)
	}
	out := make([]byte, 0, 1+sigLen+len(s.pub))
	out = append(out, schemeSecp256k1)
	out = append(out, sig[:sigLen]...) // drop recovery id
	out = append(out, s.pub...)
	return base64.StdEncoding.EncodeToString(out), nil
}
