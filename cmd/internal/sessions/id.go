package sessions

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a ULID (26 chars) used as session id.
// ULIDs sort by creation time, which keeps listings and directories ordered.
func NewSessionID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

const defaultAddressDomain = "s.whatsapp.net"

// NormalizeAddress appends "@domain" to bare destinations (phone numbers).
// Full addresses (containing "@") are returned trimmed but otherwise unchanged.
func NormalizeAddress(to, domain string) string {
	to = strings.TrimSpace(to)
	if to == "" || strings.Contains(to, "@") {
		return to
	}
	if domain == "" {
		domain = defaultAddressDomain
	}
	to = strings.TrimPrefix(to, "+")
	return to + "@" + domain
}
