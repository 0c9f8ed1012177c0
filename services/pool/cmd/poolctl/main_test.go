package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sharepool/internal/jwtsigner"
	"sharepool/services/pool/internal/dto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeygen(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs([]string{"keygen"})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "MASTER_KEY="))
	assert.True(t, strings.HasPrefix(lines[1], "JWT_PRIVATE_KEY="))
	assert.True(t, strings.HasPrefix(lines[2], "JWT_PUBLIC_KEY="))
}

func TestRotateSendsOperatorToken(t *testing.T) {
	priv, pub, err := jwtsigner.GenerateBase64()
	require.NoError(t, err)
	verifier, err := jwtsigner.NewVerifierFromBase64(pub, "sharepool")
	require.NoError(t, err)

	var got dto.RotateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := verifier.Verify(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, jwtsigner.RoleOperator, claims.Role)
		assert.Equal(t, "/v1/accounts/abc/rotate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"outcome":"succeeded"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs([]string{"--api", srv.URL, "--sign-key", priv, "--issuer", "sharepool", "accounts", "rotate", "abc", "--reason", "leak"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "leak", got.Reason)
	assert.Contains(t, out.String(), `"outcome": "succeeded"`)
}

func TestAPIErrorSurfaces(t *testing.T) {
	priv, _, err := jwtsigner.GenerateBase64()
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"rotating, retry shortly"}`))
	}))
	defer srv.Close()

	cmd := newRootCommand(&bytes.Buffer{})
	cmd.SetArgs([]string{"--api", srv.URL, "--sign-key", priv, "accounts", "rotations", "abc"})
	err = cmd.Execute()
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "rotating, retry shortly", apiErr.Msg)
}

func TestTokenRequiresKey(t *testing.T) {
	t.Setenv("JWT_PRIVATE_KEY", "")
	cmd := newRootCommand(&bytes.Buffer{})
	cmd.SetArgs([]string{"token"})
	assert.Error(t, cmd.Execute())
}
