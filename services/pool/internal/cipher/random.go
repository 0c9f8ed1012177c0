package cipher

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"sync"

	"sharepool/services/pool/internal/domain"
)

// TokenBytes is the entropy of a proxy token: 256 bits.
const TokenBytes = 32

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = rand.Reader
)

// UseDeterministicRandom swaps the randomness source for tests and returns a
// restore function.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func source() io.Reader {
	randMu.RLock()
	defer randMu.RUnlock()
	return randomnessSrc
}

func readRandom(b []byte) error {
	_, err := io.ReadFull(source(), b)
	return err
}

// Token returns an unguessable URL-safe proxy token.
func Token() (string, error) {
	buf := make([]byte, TokenBytes)
	if err := readRandom(buf); err != nil {
		return "", fmt.Errorf("cipher: token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

const (
	upperChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	lowerChars  = "abcdefghijkmnopqrstuvwxyz"
	digitChars  = "23456789"
	symbolChars = "!@#$%^&*-_=+?"
)

// Policy is the minimum composition of a generated account password.
type Policy struct {
	Length    int
	MinUpper  int
	MinLower  int
	MinDigit  int
	MinSymbol int
}

func DefaultPolicy() Policy {
	return Policy{Length: 24, MinUpper: 2, MinLower: 2, MinDigit: 2, MinSymbol: 2}
}

func (p Policy) validate() error {
	if p.Length < 12 || p.Length > 128 {
		return fmt.Errorf("%w: password length %d out of range", domain.ErrValidation, p.Length)
	}
	if p.MinUpper < 0 || p.MinLower < 0 || p.MinDigit < 0 || p.MinSymbol < 0 {
		return fmt.Errorf("%w: negative class minimum", domain.ErrValidation)
	}
	if p.MinUpper+p.MinLower+p.MinDigit+p.MinSymbol > p.Length {
		return fmt.Errorf("%w: class minimums exceed length", domain.ErrValidation)
	}
	return nil
}

// Secret generates a password satisfying p.
func Secret(p Policy) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	out := make([]byte, 0, p.Length)
	for _, class := range []struct {
		chars string
		n     int
	}{
		{upperChars, p.MinUpper},
		{lowerChars, p.MinLower},
		{digitChars, p.MinDigit},
		{symbolChars, p.MinSymbol},
	} {
		for i := 0; i < class.n; i++ {
			c, err := pick(class.chars)
			if err != nil {
				return "", err
			}
			out = append(out, c)
		}
	}
	all := upperChars + lowerChars + digitChars + symbolChars
	for len(out) < p.Length {
		c, err := pick(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for i := len(out) - 1; i > 0; i-- {
		j, err := intn(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

func pick(chars string) (byte, error) {
	i, err := intn(len(chars))
	if err != nil {
		return 0, err
	}
	return chars[i], nil
}

func intn(n int) (int, error) {
	v, err := rand.Int(source(), big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("cipher: random: %w", err)
	}
	return int(v.Int64()), nil
}
