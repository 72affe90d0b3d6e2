package sessions

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// QRRenderer turns a login code into something a caller can display.
type QRRenderer func(code string) (string, error)

const qrPNGSize = 256

// PNGDataURL renders code as a PNG QR image wrapped in a data URL.
func PNGDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrPNGSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
