package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/technician-dispatch/internal/errs"
)

func TestParseStaticTokens(t *testing.T) {
	v, err := ParseStaticTokens("tok-c=c1:consumer, tok-t=t1:technician")
	require.NoError(t, err)

	p, err := v.Verify(context.Background(), "tok-t")
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "t1", Role: RoleTechnician}, p)

	_, err = v.Verify(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = ParseStaticTokens("tok=u1:pilot")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r))

	r.Header.Set("Authorization", "Basic xyz")
	assert.Equal(t, "", TokenFromRequest(r))
}

func TestIntrospectionClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch body["token"] {
		case "good":
			w.Write([]byte(`{"active":true,"sub":"c1","role":"consumer"}`))
		case "revoked":
			w.Write([]byte(`{"active":false}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	c := NewIntrospectionClient(srv.URL)

	p, err := c.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "c1", p.UserID)
	assert.Equal(t, RoleConsumer, p.Role)

	_, err = c.Verify(context.Background(), "revoked")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = c.Verify(context.Background(), "boom")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errs.ErrUnauthorized)

	_, err = c.Verify(context.Background(), "")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{UserID: "a", Role: RoleAdmin})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.True(t, p.IsAdmin())
}
