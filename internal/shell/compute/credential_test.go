package compute

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTMinter_EmptySecret(t *testing.T) {
	_, err := NewJWTMinter("")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestJWTMinter_MintAndParse(t *testing.T) {
	m, err := NewJWTMinter("s3cret")
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	h := &Handle{Name: "fleet-abcd-0", Endpoint: "http://203.0.113.7:3000"}
	cred, err := m.Mint(context.Background(), h, 0)
	require.NoError(t, err)

	assert.NotEmpty(t, cred.Token)
	assert.Equal(t, now.Add(DefaultCredentialTTL), cred.ExpiresAt)
	assert.False(t, cred.NeedsRefresh(now))

	claims, err := m.Parse(cred.Token, h.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, "fleet-abcd-0", claims.Sandbox)
	assert.Equal(t, "fleet-abcd-0", claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestJWTMinter_ParseRejectsOtherEndpoint(t *testing.T) {
	m, err := NewJWTMinter("s3cret")
	require.NoError(t, err)

	cred, err := m.Mint(context.Background(), &Handle{Name: "a", Endpoint: "http://a:3000"}, time.Hour)
	require.NoError(t, err)

	_, err = m.Parse(cred.Token, "http://b:3000")
	assert.Error(t, err)
}

func TestJWTMinter_ParseRejectsOtherSecret(t *testing.T) {
	m1, _ := NewJWTMinter("one")
	m2, _ := NewJWTMinter("two")

	cred, err := m1.Mint(context.Background(), &Handle{Name: "a", Endpoint: "http://a:3000"}, time.Hour)
	require.NoError(t, err)

	_, err = m2.Parse(cred.Token, "")
	assert.Error(t, err)
}

func TestJWTMinter_ParseRejectsExpired(t *testing.T) {
	m, _ := NewJWTMinter("s3cret")
	issued := time.Now().Add(-2 * time.Hour)
	m.now = func() time.Time { return issued }

	cred, err := m.Mint(context.Background(), &Handle{Name: "a", Endpoint: "http://a:3000"}, time.Hour)
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Parse(cred.Token, "")
	assert.Error(t, err)
}

func TestJWTMinter_CancelledContext(t *testing.T) {
	m, _ := NewJWTMinter("s3cret")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Mint(ctx, &Handle{Name: "a"}, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
