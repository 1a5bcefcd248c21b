// Package identity manages the persistent device keypair used to
// authenticate against the gateway.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// keyFile is the on-disk shape of the identity record.
type keyFile struct {
	Version       int    `json:"version"`
	DeviceID      string `json:"deviceId"`
	PublicKeyPem  string `json:"publicKeyPem"`
	PrivateKeyPem string `json:"privateKeyPem"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

// AuthPayload is the signed device structure sent in the gateway handshake.
type AuthPayload struct {
	DeviceID   string `json:"deviceId"`
	PublicKey  string `json:"publicKey"`
	Signature  string `json:"signature"`
	SignedAtMs int64  `json:"signedAtMs"`
	Nonce      string `json:"nonce,omitempty"`
}

// Keeper holds the device keypair and the gateway shared secret.
type Keeper struct {
	deviceID string
	pub      ed25519.PublicKey
	priv     ed25519.PrivateKey
	token    string
}

// Load reads the identity file under dir, generating and persisting a new
// keypair (0600) on first run. token is the gateway shared secret mixed
// into signed payloads.
func Load(dir, token string) (*Keeper, error) {
	path := filepath.Join(dir, "identity.json")

	data, err := os.ReadFile(path)
	if err == nil {
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("parse identity file: %w", err)
		}
		return fromKeyFile(kf, token)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	kf, err := toKeyFile(pub, priv)
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("write identity file: %w", err)
	}

	return &Keeper{deviceID: kf.DeviceID, pub: pub, priv: priv, token: token}, nil
}

// DeviceID returns the stable device identifier: hex(sha256(raw public key)).
func (k *Keeper) DeviceID() string {
	return k.deviceID
}

// SignAuthPayload builds and signs a gateway auth payload. A non-empty
// nonce switches the payload to the v2 format.
func (k *Keeper) SignAuthPayload(scopes []string, role, nonce string) AuthPayload {
	signedAt := time.Now().UnixMilli()

	version := "v1"
	if nonce != "" {
		version = "v2"
	}
	parts := []string{
		version,
		k.deviceID,
		"cli",
		"cli",
		role,
		strings.Join(scopes, ","),
		fmt.Sprintf("%d", signedAt),
		k.token,
	}
	if nonce != "" {
		parts = append(parts, nonce)
	}

	sig := ed25519.Sign(k.priv, []byte(strings.Join(parts, "|")))

	return AuthPayload{
		DeviceID:   k.deviceID,
		PublicKey:  base64.RawURLEncoding.EncodeToString(k.pub),
		Signature:  base64.RawURLEncoding.EncodeToString(sig),
		SignedAtMs: signedAt,
		Nonce:      nonce,
	}
}

func deviceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

func toKeyFile(pub ed25519.PublicKey, priv ed25519.PrivateKey) (keyFile, error) {
	pubDer, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return keyFile{}, fmt.Errorf("marshal public key: %w", err)
	}
	privDer, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return keyFile{}, fmt.Errorf("marshal private key: %w", err)
	}
	return keyFile{
		Version:       1,
		DeviceID:      deviceID(pub),
		PublicKeyPem:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDer})),
		PrivateKeyPem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDer})),
		CreatedAtMs:   time.Now().UnixMilli(),
	}, nil
}

func fromKeyFile(kf keyFile, token string) (*Keeper, error) {
	block, _ := pem.Decode([]byte(kf.PrivateKeyPem))
	if block == nil {
		return nil, fmt.Errorf("identity file: no private key PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity file: not an ed25519 key")
	}
	pub := priv.Public().(ed25519.PublicKey)

	id := kf.DeviceID
	if id == "" {
		id = deviceID(pub)
	}
	return &Keeper{deviceID: id, pub: pub, priv: priv, token: token}, nil
}
