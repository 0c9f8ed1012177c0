// Package jwtsigner mints and checks the Ed25519 JWTs that identify pool
// members and operators.
package jwtsigner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleMember   = "member"
	RoleOperator = "operator"
)

// Claims are the caller identity fields the pool service reads.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Signer holds an Ed25519 keypair for issuing JWTs.
type Signer struct {
	private ed25519.PrivateKey
	KeyID   string
	Issuer  string
}

// GenerateBase64 returns a fresh keypair as base64 strings.
func GenerateBase64() (privB64, pubB64 string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(priv), base64.StdEncoding.EncodeToString(pub), nil
}

// NewFromBase64 creates a signer from base64-encoded ed25519 private key bytes.
func NewFromBase64(privB64, kid, iss string) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key size")
	}
	return &Signer{private: ed25519.PrivateKey(raw), KeyID: kid, Issuer: iss}, nil
}

// Sign issues a JWT for subject sub carrying role.
func (s *Signer) Sign(sub, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c)
	if s.KeyID != "" {
		t.Header["kid"] = s.KeyID
	}
	return t.SignedString(s.private)
}

// Public returns the verifying half of the signer's key.
func (s *Signer) Public() ed25519.PublicKey {
	return s.private.Public().(ed25519.PublicKey)
}

// Verifier checks tokens against one Ed25519 public key.
type Verifier struct {
	public ed25519.PublicKey
	issuer string
}

func NewVerifier(pub ed25519.PublicKey, iss string) *Verifier {
	return &Verifier{public: pub, issuer: iss}
}

func NewVerifierFromBase64(pubB64, iss string) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid ed25519 public key size")
	}
	return NewVerifier(ed25519.PublicKey(raw), iss), nil
}

// Verify parses raw and returns its claims if the signature, expiry and
// issuer hold.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return v.public, nil }, opts...)
	if err != nil {
		return nil, err
	}
	if c.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	switch c.Role {
	case RoleMember, RoleOperator:
	default:
		return nil, fmt.Errorf("unknown role %q", c.Role)
	}
	return &c, nil
}
