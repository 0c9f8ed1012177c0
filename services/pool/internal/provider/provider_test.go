package provider

import (
	"context"
	"testing"
	"time"

	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/observability/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopProvider struct{}

func (nopProvider) ChangePassword(context.Context, string, string, string) error { return nil }
func (nopProvider) VerifyLogin(context.Context, string, string) (bool, error) { return true, nil }

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(" Netflix ", nopProvider{})

	p, err := r.Lookup("NETFLIX")
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = r.Lookup("hulu")
	require.ErrorIs(t, err, domain.ErrUnsupportedPlatform)
	assert.Equal(t, []string{"netflix"}, r.Platforms())
}

func TestParseConfigDefaults(t *testing.T) {
	fc, err := ParseConfig([]byte(`
providers:
  netflix:
    base_url: https://automation.internal
    api_token_env: NETFLIX_AUTOMATION_TOKEN
    timeout: 45s
  disney:
    base_url: https://automation.internal
    rate_per_minute: 2
    burst: 3
`))
	require.NoError(t, err)
	require.Len(t, fc.Providers, 2)
	assert.Equal(t, 45*time.Second, fc.Providers["netflix"].Timeout)
	assert.Equal(t, 6.0, fc.Providers["netflix"].RatePerMinute)
	assert.Equal(t, 3, fc.Providers["disney"].Burst)
	assert.Equal(t, 30*time.Second, fc.Providers["disney"].Timeout)

	reg := Build(fc, logging.Discard())
	assert.Equal(t, []string{"disney", "netflix"}, reg.Platforms())
}

func TestParseConfigRejectsMissingURL(t *testing.T) {
	_, err := ParseConfig([]byte("providers:\n  netflix:\n    timeout: 1s\n"))
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = ParseConfig([]byte("providers: [oops"))
	require.ErrorIs(t, err, domain.ErrValidation)
}
