package mesh

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 100000
	keyLength     = 32
)

var errCiphertextTooShort = errors.New("ciphertext too short")

// roomCipher encrypts signaling payloads for rooms protected by a password.
// Peers derive the same key from the password, salted with the room name.
type roomCipher struct {
	aead cipher.AEAD
}

func newRoomCipher(password, room string) (*roomCipher, error) {
	key := pbkdf2.Key([]byte(password), []byte(room), keyIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &roomCipher{aead: aead}, nil
}

// seal returns a JSON string holding base64(nonce || ciphertext).
func (c *roomCipher) seal(plaintext []byte) (json.RawMessage, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return json.Marshal(base64.StdEncoding.EncodeToString(sealed))
}

func (c *roomCipher) open(data json.RawMessage) ([]byte, error) {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("decode sealed payload: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode sealed payload: %w", err)
	}
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, errCiphertextTooShort
	}
	return c.aead.Open(nil, sealed[:n], sealed[n:], nil)
}
