package authstate

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a Curve25519 key pair.
type KeyPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// SignedKeyPair is a pre-key pair plus the signature the transport publishes with it.
type SignedKeyPair struct {
	KeyPair   KeyPair `json:"key_pair"`
	KeyID     uint32  `json:"key_id"`
	Signature []byte  `json:"signature,omitempty"`
}

// Contact identifies the account a session is linked to.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	LID  string `json:"lid,omitempty"`
}

// Credentials is the primary authentication record of a session.
//
// Binary fields are []byte so JSON encoding (base64) round-trips them byte-exact.
// Fields the transport needs but this package does not model live in Extra.
type Credentials struct {
	NoiseKey                KeyPair       `json:"noise_key"`
	PairingEphemeralKeyPair KeyPair       `json:"pairing_ephemeral_key_pair"`
	SignedIdentityKey       KeyPair       `json:"signed_identity_key"`
	SignedPreKey            SignedKeyPair `json:"signed_pre_key"`
	RegistrationID          uint32        `json:"registration_id"`
	AdvSecretKey            []byte        `json:"adv_secret_key"`

	NextPreKeyID            uint32 `json:"next_pre_key_id"`
	FirstUnuploadedPreKeyID uint32 `json:"first_unuploaded_pre_key_id"`

	Me         *Contact `json:"me,omitempty"`
	Platform   string   `json:"platform,omitempty"`
	Registered bool     `json:"registered"`

	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// NewCredentials returns a fresh, unregistered bootstrap record.
func NewCredentials() (*Credentials, error) {
	noise, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	pairing, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	identity, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	preKey, err := newKeyPair()
	if err != nil {
		return nil, err
	}

	var reg [2]byte
	if _, err := rand.Read(reg[:]); err != nil {
		return nil, err
	}
	adv := make([]byte, 32)
	if _, err := rand.Read(adv); err != nil {
		return nil, err
	}

	return &Credentials{
		NoiseKey:                noise,
		PairingEphemeralKeyPair: pairing,
		SignedIdentityKey:       identity,
		SignedPreKey:            SignedKeyPair{KeyPair: preKey, KeyID: 1},
		RegistrationID:          uint32(binary.BigEndian.Uint16(reg[:]) & 16383),
		AdvSecretKey:            adv,
		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
	}, nil
}

func newKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// Clone returns a deep copy; the copy shares no byte slices with c.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	out.NoiseKey = c.NoiseKey.clone()
	out.PairingEphemeralKeyPair = c.PairingEphemeralKeyPair.clone()
	out.SignedIdentityKey = c.SignedIdentityKey.clone()
	out.SignedPreKey = SignedKeyPair{
		KeyPair:   c.SignedPreKey.KeyPair.clone(),
		KeyID:     c.SignedPreKey.KeyID,
		Signature: cloneBytes(c.SignedPreKey.Signature),
	}
	out.AdvSecretKey = cloneBytes(c.AdvSecretKey)
	if c.Me != nil {
		me := *c.Me
		out.Me = &me
	}
	if c.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = json.RawMessage(cloneBytes(v))
		}
	}
	return &out
}

func (k KeyPair) clone() KeyPair {
	return KeyPair{Public: cloneBytes(k.Public), Private: cloneBytes(k.Private)}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// MarshalCredentials encodes c in the persisted JSON form.
func MarshalCredentials(c *Credentials) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("authstate: nil credentials")
	}
	return json.Marshal(c)
}

// UnmarshalCredentials decodes the persisted JSON form.
func UnmarshalCredentials(b []byte) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCredentials, err)
	}
	return &c, nil
}
