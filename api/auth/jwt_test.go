package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/neurallog/kek-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestSignerRoundTrip(t *testing.T) {
	s, err := NewSigner(testSecret, "", time.Hour)
	require.NoError(t, err)

	token, exp, err := s.IssueToken("acme", "alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	p, err := s.ParseAndValidate(token)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Principal{TenantID: "acme", UserID: "alice"}, p)
}

func TestSignerRejects(t *testing.T) {
	s, err := NewSigner(testSecret, "issuer-a", time.Hour)
	require.NoError(t, err)
	token, _, err := s.IssueToken("acme", "alice")
	require.NoError(t, err)

	other, err := NewSigner([]byte("ffffffffffffffffffffffffffffffff"), "issuer-a", time.Hour)
	require.NoError(t, err)
	_, err = other.ParseAndValidate(token)
	assert.ErrorIs(t, err, interfaces.ErrAuthorization, "wrong secret")

	wrongIssuer, err := NewSigner(testSecret, "issuer-b", time.Hour)
	require.NoError(t, err)
	_, err = wrongIssuer.ParseAndValidate(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong issuer")

	expired, err := NewSigner(testSecret, "issuer-a", time.Minute)
	require.NoError(t, err)
	old, _, err := expired.IssueToken("acme", "alice")
	require.NoError(t, err)
	expired.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = expired.ParseAndValidate(old)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")

	_, err = s.ParseAndValidate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = s.IssueToken("", "alice")
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = NewSigner([]byte("short"), "", time.Hour)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestAuthRequired(t *testing.T) {
	s, err := NewSigner(testSecret, "", time.Hour)
	require.NoError(t, err)
	token, _, err := s.IssueToken("acme", "bob")
	require.NoError(t, err)

	var seen interfaces.Principal
	h := AuthRequired(s)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "no header", header: "", status: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer abc", status: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + token, status: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/kek/versions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.status, rr.Code)
		})
	}
	assert.Equal(t, interfaces.Principal{TenantID: "acme", UserID: "bob"}, seen)
}
