package qr

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// Encoder renders verification links as PNG QR images.
type Encoder struct {
	level qrcode.RecoveryLevel
}

func NewEncoder() *Encoder {
	return &Encoder{level: qrcode.Medium}
}

// Encode returns a size x size PNG of content.
func (e *Encoder) Encode(content string, size int) ([]byte, error) {
	png, err := qrcode.Encode(content, e.level, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
