package link

import (
	"testing"

	"github.com/certanchor/certanchor/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder("https://certs.example.org/", "test-secret")
	require.NoError(t, err)
	return b
}

func TestShortLink(t *testing.T) {
	b := newTestBuilder(t)
	assert.Equal(t, "https://certs.example.org/verify/CERT-2024%2F001", b.ShortLink("CERT-2024/001"))
}

func TestDeepLinkRoundTrip(t *testing.T) {
	b := newTestBuilder(t)
	p := Payload{
		CertificateNumber: "CERT-42",
		HolderName:        "Riley Chen",
		Title:             "Marine Safety",
		GrantDate:         1700000000,
		ExpirationDate:    1800000000,
		CertificateHash:   common.Sha256Hash([]byte("CERT-42")),
	}
	link, err := b.DeepLink(p)
	require.NoError(t, err)

	number, token := b.ParseIdentifier(link)
	assert.Empty(t, number)
	require.NotEmpty(t, token)

	got, err := b.DecodePayload(token)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodeRejectsTampering(t *testing.T) {
	b := newTestBuilder(t)
	token, err := b.EncodePayload(Payload{CertificateNumber: "CERT-1"})
	require.NoError(t, err)

	tampered := []byte(token)
	tampered[len(tampered)-1] ^= 0x01
	_, err = b.DecodePayload(string(tampered))
	assert.Error(t, err)

	// a token sealed under a different secret must not open
	other, err := NewBuilder("https://certs.example.org", "other-secret")
	require.NoError(t, err)
	_, err = other.DecodePayload(token)
	assert.Error(t, err)
}

func TestParseIdentifier(t *testing.T) {
	b := newTestBuilder(t)

	number, token := b.ParseIdentifier("CERT-123")
	assert.Equal(t, "CERT-123", number)
	assert.Empty(t, token)

	number, token = b.ParseIdentifier("https://certs.example.org/verify/CERT-123")
	assert.Equal(t, "CERT-123", number)
	assert.Empty(t, token)

	number, token = b.ParseIdentifier("https://certs.example.org/verify?q=abc123")
	assert.Empty(t, number)
	assert.Equal(t, "abc123", token)
}
