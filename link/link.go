package link

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/certanchor/certanchor/common"
	"golang.org/x/crypto/chacha20poly1305"
)

// Payload is the self-contained certificate summary embedded in a deep link.
// Legacy links carry everything a verifier needs when no local record exists.
type Payload struct {
	CertificateNumber string      `json:"certificateNumber"`
	HolderName        string      `json:"holderName,omitempty"`
	Title             string      `json:"title,omitempty"`
	GrantDate         uint64      `json:"grantDate,omitempty"`
	ExpirationDate    uint64      `json:"expirationDate,omitempty"`
	CertificateHash   common.Hash `json:"certificateHash,omitempty"`
}

// Builder produces the verification URLs stamped into artifacts and decodes
// incoming ones. The AEAD key is derived from the configured secret.
type Builder struct {
	baseURL string
	aead    interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewBuilder derives the payload encryption key from secret and keeps the
// base URL for link assembly.
func NewBuilder(baseURL, secret string) (*Builder, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("link base URL is required")
	}
	key := sha256.Sum256([]byte(secret))
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init payload cipher: %w", err)
	}
	return &Builder{baseURL: strings.TrimRight(baseURL, "/"), aead: aead}, nil
}

// ShortLink returns the plain verification URL for a certificate number.
func (b *Builder) ShortLink(certificateNumber string) string {
	return b.baseURL + "/verify/" + url.PathEscape(certificateNumber)
}

// DeepLink returns a verification URL carrying the encrypted payload.
func (b *Builder) DeepLink(p Payload) (string, error) {
	token, err := b.EncodePayload(p)
	if err != nil {
		return "", err
	}
	return b.baseURL + "/verify?q=" + token, nil
}

// EncodePayload encrypts and encodes a payload as a URL-safe token.
func (b *Builder) EncodePayload(p Payload) (string, error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecodePayload reverses EncodePayload.
func (b *Builder) DecodePayload(token string) (Payload, error) {
	var p Payload
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return p, fmt.Errorf("decode payload token: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return p, fmt.Errorf("payload token too short")
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return p, fmt.Errorf("open payload token: %w", err)
	}
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

// ParseIdentifier normalizes a scanned input into either a certificate number
// or an encrypted payload token. Accepts bare numbers, short links and deep
// links.
func (b *Builder) ParseIdentifier(input string) (number string, token string) {
	input = strings.TrimSpace(input)
	if !strings.Contains(input, "://") {
		return input, ""
	}
	u, err := url.Parse(input)
	if err != nil {
		return input, ""
	}
	if q := u.Query().Get("q"); q != "" {
		return "", q
	}
	if idx := strings.LastIndex(u.Path, "/"); idx >= 0 {
		if number, err := url.PathUnescape(u.Path[idx+1:]); err == nil {
			return number, ""
		}
		return u.Path[idx+1:], ""
	}
	return input, ""
}
