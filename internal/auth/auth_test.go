package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/internal/domain"
)

var alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")

func TestTokenManager_RoundTrip(t *testing.T) {
	m, err := NewTokenManager("s3cret", time.Hour)
	require.NoError(t, err)

	tok, err := m.Issue(alice)
	require.NoError(t, err)

	p, err := m.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, alice, p)
}

func TestTokenManager_Rejects(t *testing.T) {
	m, err := NewTokenManager("s3cret", time.Hour)
	require.NoError(t, err)
	other, err := NewTokenManager("different", time.Hour)
	require.NoError(t, err)

	foreign, err := other.Issue(alice)
	require.NoError(t, err)
	_, err = m.Validate(foreign)
	require.ErrorIs(t, err, ErrInvalidToken)

	// Expired.
	issued, err := m.Issue(alice)
	require.NoError(t, err)
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.Validate(issued)
	require.ErrorIs(t, err, ErrInvalidToken)
	m.now = time.Now

	// Wrong algorithm.
	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: alice.Hex(), Issuer: issuer,
	}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Validate(unsigned)
	require.ErrorIs(t, err, ErrInvalidToken)

	// Non-address subject.
	bad := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "alice", Issuer: issuer,
	}})
	signed, err := bad.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = m.Validate(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenManager_IssueZeroPrincipal(t *testing.T) {
	m, err := NewTokenManager("s3cret", 0)
	require.NoError(t, err)
	_, err = m.Issue(domain.Principal{})
	require.ErrorIs(t, err, domain.ErrInvalidPrincipal)
}

func TestNewTokenManager_EmptySecret(t *testing.T) {
	_, err := NewTokenManager("  ", time.Hour)
	require.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	m, err := NewTokenManager("s3cret", time.Hour)
	require.NoError(t, err)
	tok, err := m.Issue(alice)
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"missing", "", ErrMissingBearer},
		{"basic scheme", "Basic abc", ErrInvalidToken},
		{"empty bearer", "Bearer   ", ErrInvalidToken},
		{"garbage", "Bearer not-a-jwt", ErrInvalidToken},
		{"valid", "Bearer " + tok, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			p, err := m.Authenticate(r)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, alice, p)
		})
	}
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	assert.False(t, ok)

	p, ok := PrincipalFrom(WithPrincipal(context.Background(), alice))
	assert.True(t, ok)
	assert.Equal(t, alice, p)
}
