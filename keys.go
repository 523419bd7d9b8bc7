package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Keypair is an agent's Ed25519 signing identity. The hex public key is
// the agent id.
type Keypair struct {
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
}

type keypairFile struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

// GenerateKeypair creates a fresh random identity.
func GenerateKeypair() (*Keypair, error) {
	pub, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Keypair{PublicKey: pub, SecretKey: sk}, nil
}

// ID returns the hex public key.
func (kp *Keypair) ID() string {
	return hex.EncodeToString(kp.PublicKey)
}

// Save writes the keypair as JSON readable only by the owner.
func (kp *Keypair) Save(path string) error {
	data, err := json.MarshalIndent(keypairFile{
		PublicKey: hex.EncodeToString(kp.PublicKey),
		SecretKey: hex.EncodeToString(kp.SecretKey),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	return writeFileAtomic(path, data, 0o600)
}

// LoadKeypair reads a keypair written by Save and checks that both halves
// decode to the right lengths and belong together.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f keypairFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse keypair %s: %w", path, err)
	}

	pub, err := hex.DecodeString(f.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("hex-decoding public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has wrong length: got %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	sk, err := hex.DecodeString(f.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("hex-decoding secret key: %w", err)
	}
	if len(sk) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key has wrong length: got %d bytes, want %d", len(sk), ed25519.PrivateKeySize)
	}

	kp := &Keypair{PublicKey: pub, SecretKey: sk}
	derived := kp.SecretKey.Public().(ed25519.PublicKey)
	if !bytes.Equal(derived, kp.PublicKey) {
		return nil, errors.New("public key does not match secret key")
	}
	return kp, nil
}

// LoadOrCreateKeypair loads the keypair at path, generating and saving a
// new one if the file does not exist yet.
func LoadOrCreateKeypair(path string) (kp *Keypair, created bool, err error) {
	kp, err = LoadKeypair(path)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	kp, err = GenerateKeypair()
	if err != nil {
		return nil, false, err
	}
	if err := kp.Save(path); err != nil {
		return nil, false, fmt.Errorf("save keypair: %w", err)
	}
	return kp, true, nil
}
