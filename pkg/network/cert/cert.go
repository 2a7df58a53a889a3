// Package cert issues and checks the self-signed ed25519 certificates that
// authenticate both ends of a relay connection. A peer's identity is its
// ed25519 public key, encoded into the certificate's single DNS name.
package cert

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base32"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
)

// DNSNamePrefix is prepended to all encoded public keys in certificate DNS names
const DNSNamePrefix = "t"

// DefaultValidity is used when no validity period is configured.
const DefaultValidity = 365 * 24 * time.Hour

var ErrUntrustedPeer = errors.New("peer key is not trusted")

// base32Encoding defines the custom base32 alphabet used for encoding public keys
var base32Encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// dnsNameLength is the prefix plus 52 base32 characters for 32 bytes.
var dnsNameLength = len(DNSNamePrefix) + base32Encoding.EncodedLen(ed25519.PublicKeySize)

// EncodePubKeyToDNS encodes an Ed25519 public key into a DNS name.
func EncodePubKeyToDNS(pubKey ed25519.PublicKey) string {
	return DNSNamePrefix + base32Encoding.EncodeToString(pubKey)
}

// New creates a self-signed certificate for priv, valid for validity from
// now and usable for both client and server authentication.
func New(priv ed25519.PrivateKey, validity time.Duration) (*tls.Certificate, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	pub := priv.Public().(ed25519.PublicKey)
	dnsName := EncodePubKeyToDNS(pub)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: dnsName},
		DNSNames:     []string{dnsName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		SignatureAlgorithm:    x509.PureEd25519,
		PublicKeyAlgorithm:    x509.Ed25519,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// Validator checks certificates for the format above and, when built with
// trusted keys, pins the peer to one of them.
type Validator struct {
	trusted crypto.ED25519PublicKeySet
}

// NewValidator returns a validator that accepts any well-formed certificate
// when no keys are given.
func NewValidator(trusted ...ed25519.PublicKey) *Validator {
	v := &Validator{}
	if len(trusted) > 0 {
		v.trusted = crypto.NewED25519PublicKeySet(trusted...)
	}
	return v
}

// ValidateCertificate checks if a certificate meets the protocol requirements:
// - Uses Ed25519 for signatures
// - Contains exactly one DNS name, the encoded public key
// - Is within its validity period
// - Belongs to a trusted key, if any are pinned
func (v *Validator) ValidateCertificate(cert *x509.Certificate) error {
	if cert.SignatureAlgorithm != x509.PureEd25519 {
		return fmt.Errorf("invalid signature algorithm: expected Ed25519")
	}
	pubKey, err := v.ExtractPublicKey(cert)
	if err != nil {
		return err
	}
	if len(cert.DNSNames) != 1 {
		return fmt.Errorf("certificate must have exactly one DNS name")
	}
	dnsName := cert.DNSNames[0]
	if len(dnsName) != dnsNameLength || !strings.HasPrefix(dnsName, DNSNamePrefix) {
		return fmt.Errorf("invalid DNS name format: %s (length: %d)", dnsName, len(dnsName))
	}
	if dnsName != EncodePubKeyToDNS(pubKey) {
		return fmt.Errorf("DNS name does not match public key")
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate is not yet valid")
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate has expired")
	}

	if v.trusted != nil && !v.trusted.Has(pubKey) {
		return fmt.Errorf("%w: %x", ErrUntrustedPeer, []byte(pubKey))
	}
	return nil
}

// ExtractPublicKey retrieves the Ed25519 public key from a certificate.
func (v *Validator) ExtractPublicKey(cert *x509.Certificate) (ed25519.PublicKey, error) {
	pubKey, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate public key is not an Ed25519 key")
	}
	return pubKey, nil
}
