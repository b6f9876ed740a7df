// Package keystore manages the central authority's Ed25519 root keypair:
// generating it once at operator setup, and loading it for every process
// that needs to sign or verify tokens and license-config exports.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codesense/central/internal/apierror"
)

const (
	privateKeyFile = "central_root_sk.pem"
	publicKeyFile  = "central_root_pk.pem"

	keysDirMode = 0o700
	privKeyMode = 0o600
	pubKeyMode  = 0o644

	pemPrivateBlock = "PRIVATE KEY"
	pemPublicBlock  = "PUBLIC KEY"
)

// Store holds the loaded root keypair in memory for the lifetime of a
// process. It never re-reads the files after load.
type Store struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// GenerateRootKeypair creates a new Ed25519 root keypair and writes it as
// PEM files under dir, creating dir if necessary. It is meant to be
// invoked once, by an operator, not by a running server. A keypair already
// present at dir is left untouched and GenerateRootKeypair fails rather
// than silently overwriting it.
func GenerateRootKeypair(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, privateKeyFile)); err == nil {
		return fmt.Errorf("keystore: root private key already exists at %s, refusing to overwrite", dir)
	}

	if err := os.MkdirAll(dir, keysDirMode); err != nil {
		return fmt.Errorf("keystore: create keys dir: %w", err)
	}
	if err := os.Chmod(dir, keysDirMode); err != nil {
		return fmt.Errorf("keystore: chmod keys dir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("keystore: generate keypair: %w", err)
	}

	skBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("keystore: marshal private key: %w", err)
	}
	pkBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("keystore: marshal public key: %w", err)
	}

	skPEM := pem.EncodeToMemory(&pem.Block{Type: pemPrivateBlock, Bytes: skBytes})
	pkPEM := pem.EncodeToMemory(&pem.Block{Type: pemPublicBlock, Bytes: pkBytes})

	skPath := filepath.Join(dir, privateKeyFile)
	pkPath := filepath.Join(dir, publicKeyFile)

	if err := os.WriteFile(skPath, skPEM, privKeyMode); err != nil {
		return fmt.Errorf("keystore: write private key: %w", err)
	}
	if err := os.WriteFile(pkPath, pkPEM, pubKeyMode); err != nil {
		return fmt.Errorf("keystore: write public key: %w", err)
	}
	// Belt-and-suspenders: WriteFile's mode is subject to umask.
	if err := os.Chmod(skPath, privKeyMode); err != nil {
		return fmt.Errorf("keystore: chmod private key: %w", err)
	}
	if err := os.Chmod(pkPath, pubKeyMode); err != nil {
		return fmt.Errorf("keystore: chmod public key: %w", err)
	}

	return nil
}

// Load reads the root keypair PEM files from dir.
func Load(dir string) (*Store, error) {
	skPEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("keystore: read private key: %w", err)
	}
	pkPEM, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("keystore: read public key: %w", err)
	}

	priv, err := parsePrivatePEM(skPEM)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse private key: %w", err)
	}
	pub, err := parsePublicPEM(pkPEM)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse public key: %w", err)
	}

	return &Store{private: priv, public: pub}, nil
}

func parsePrivatePEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("not PEM encoded")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 private key")
	}
	return priv, nil
}

func parsePublicPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("not PEM encoded")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 public key")
	}
	return pub, nil
}

// PrivateKey returns the root private key for signing.
func (s *Store) PrivateKey() ed25519.PrivateKey { return s.private }

// PublicKey returns the root public key for verification.
func (s *Store) PublicKey() ed25519.PublicKey { return s.public }

// PublicKeyPEM returns the root public key re-encoded as a
// SubjectPublicKeyInfo PEM block, the form handed to locals during
// provisioning and embedded in license-config exports.
func (s *Store) PublicKeyPEM() (string, error) {
	return EncodePublicKeyPEM(s.public)
}

// EncodePublicKeyPEM serializes an Ed25519 public key as a
// SubjectPublicKeyInfo PEM block.
func EncodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("keystore: marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPublicBlock, Bytes: der})), nil
}

// ParseLocalPublicKeyPEM parses a SubjectPublicKeyInfo PEM block supplied by
// a Local during provisioning into an Ed25519 public key, tagging any
// failure as KeyMalformed so it reaches the client as a 400.
func ParseLocalPublicKeyPEM(pemText string) (ed25519.PublicKey, error) {
	pub, err := parsePublicPEM([]byte(pemText))
	if err != nil {
		return nil, apierror.Wrap(apierror.KeyMalformed, "local public key is not a valid Ed25519 SubjectPublicKeyInfo PEM", err)
	}
	return pub, nil
}

// VerifyLocalSignature checks a detached Ed25519 signature made by a Local
// over data, using the Local's own public key (stored as the PEM text
// handed to Provision) — confirms that a SubmitAssertion request really
// comes from the holder of the private key registered at provisioning.
func VerifyLocalSignature(localPublicKeyPEM string, data, signature []byte) error {
	pub, err := ParseLocalPublicKeyPEM(localPublicKeyPEM)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, data, signature) {
		return apierror.New(apierror.SignatureInvalid, "signature does not verify against registered local key")
	}
	return nil
}
