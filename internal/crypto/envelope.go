package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyCredential = errors.New("credential is empty")

// Envelope is the stored form of a sealed provider credential.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Vault seals provider API keys with AES-GCM. Several master keys can be
// loaded at once so credentials sealed with a retired key still open.
type Vault struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewVault(currentKeyID string, keys map[string][]byte) (*Vault, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Vault{currentKeyID: currentKeyID, keys: cp}, nil
}

func (v *Vault) CurrentKeyID() string { return v.currentKeyID }

func (v *Vault) seal(plaintext []byte) (Envelope, error) {
	aead, err := newAEAD(v.keys[v.currentKeyID])
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	return Envelope{
		KeyID:      v.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

func (v *Vault) open(env Envelope) ([]byte, error) {
	key, ok := v.keys[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// SealCredential returns the JSON envelope stored in place of apiKey.
func (v *Vault) SealCredential(apiKey string) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", ErrEmptyCredential
	}
	env, err := v.seal([]byte(apiKey))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (v *Vault) OpenCredential(sealed string) (string, error) {
	env, err := parseEnvelope(sealed)
	if err != nil {
		return "", err
	}
	pt, err := v.open(env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// NeedsReseal reports whether sealed was produced with a key other than the
// current one.
func (v *Vault) NeedsReseal(sealed string) bool {
	env, err := parseEnvelope(sealed)
	if err != nil {
		return false
	}
	return env.KeyID != v.currentKeyID
}

func (v *Vault) ResealCredential(sealed string) (string, error) {
	plain, err := v.OpenCredential(sealed)
	if err != nil {
		return "", err
	}
	return v.SealCredential(plain)
}

func parseEnvelope(raw string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
