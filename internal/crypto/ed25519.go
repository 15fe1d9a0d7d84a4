package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PrivateKey is an Ed25519 private key (64 bytes).
type PrivateKey = ed25519.PrivateKey

// PublicKey is an Ed25519 public key (32 bytes).
type PublicKey = ed25519.PublicKey

// GenerateKeypair creates a new Ed25519 key pair.
func GenerateKeypair() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}
	return pub, priv, nil
}

// Sign signs a message with an Ed25519 private key.
func Sign(privKey PrivateKey, message []byte) []byte {
	return ed25519.Sign(privKey, message)
}

// Verify checks an Ed25519 signature against a public key and message.
func Verify(pubKey PublicKey, message, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, message, signature)
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length %d, want %d", len(b), ed25519.PublicKeySize)
	}
	return PublicKey(b), nil
}

// PeerID derives the libp2p peer ID a host started with privKey will use.
func PeerID(privKey PrivateKey) (peer.ID, error) {
	pk, err := libp2pcrypto.UnmarshalEd25519PrivateKey(privKey)
	if err != nil {
		return "", fmt.Errorf("unmarshal private key: %w", err)
	}
	return peer.IDFromPrivateKey(pk)
}

// NodeKeyFile is the on-disk form of the node identity key.
type NodeKeyFile struct {
	PrivateKey []byte `json:"private_key"`
	PublicKey  []byte `json:"public_key"`
}

// SaveNodeKey writes privKey to path, readable only by the owner.
func SaveNodeKey(path string, privKey PrivateKey) error {
	data, err := json.MarshalIndent(NodeKeyFile{
		PrivateKey: []byte(privKey),
		PublicKey:  []byte(privKey.Public().(PublicKey)),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadNodeKey reads a key written by SaveNodeKey.
func LoadNodeKey(path string) (PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf NodeKeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse node key: %w", err)
	}
	if len(kf.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid node key size: %d", len(kf.PrivateKey))
	}
	return PrivateKey(kf.PrivateKey), nil
}
