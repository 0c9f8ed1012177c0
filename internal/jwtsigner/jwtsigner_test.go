package jwtsigner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	priv, pub, err := GenerateBase64()
	require.NoError(t, err)
	s, err := NewFromBase64(priv, "k1", "sharepool")
	require.NoError(t, err)
	v, err := NewVerifierFromBase64(pub, "sharepool")
	require.NoError(t, err)

	tok, err := s.Sign("user-1", RoleOperator, time.Minute)
	require.NoError(t, err)
	c, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.Subject)
	assert.Equal(t, RoleOperator, c.Role)
}

func TestVerifyRejects(t *testing.T) {
	priv, pub, err := GenerateBase64()
	require.NoError(t, err)
	s, err := NewFromBase64(priv, "", "sharepool")
	require.NoError(t, err)

	expired, err := s.Sign("u", RoleMember, -time.Minute)
	require.NoError(t, err)
	badRole, err := s.Sign("u", "admin", time.Minute)
	require.NoError(t, err)
	good, err := s.Sign("u", RoleMember, time.Minute)
	require.NoError(t, err)

	v, err := NewVerifierFromBase64(pub, "sharepool")
	require.NoError(t, err)
	for name, tok := range map[string]string{"expired": expired, "role": badRole, "garbage": "a.b.c"} {
		_, err := v.Verify(tok)
		assert.Error(t, err, name)
	}

	other, err := NewVerifierFromBase64(pub, "someone-else")
	require.NoError(t, err)
	_, err = other.Verify(good)
	assert.Error(t, err, "issuer")

	_, otherPub, err := GenerateBase64()
	require.NoError(t, err)
	wrongKey, err := NewVerifierFromBase64(otherPub, "sharepool")
	require.NoError(t, err)
	_, err = wrongKey.Verify(good)
	assert.Error(t, err, "key")

	_, err = NewFromBase64("AAAA", "", "")
	assert.Error(t, err)
}
