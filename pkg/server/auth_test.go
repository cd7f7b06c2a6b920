package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAudience = "test-audience"

// setupOIDCTest serves a discovery document and key set for a freshly
// generated signing key.
func setupOIDCTest(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                srv.URL,
			"jwks_uri":                              srv.URL + "/keys",
			"authorization_endpoint":                srv.URL + "/auth",
			"token_endpoint":                        srv.URL + "/token",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &priv.PublicKey,
			KeyID:     "test-key",
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}})
	})
	return srv, priv
}

func generateTestToken(t *testing.T, issuer string, priv *rsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: priv, KeyID: "test-key", Algorithm: string(jose.RS256)}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	payload := map[string]any{
		"iss": issuer,
		"aud": testAudience,
		"sub": "user1",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	require.NoError(t, err)

	obj, err := signer.Sign(b)
	require.NoError(t, err)
	token, err := obj.CompactSerialize()
	require.NoError(t, err)
	return token
}

func TestOIDCEmailVerifier(t *testing.T) {
	srv, priv := setupOIDCTest(t)
	defer srv.Close()

	ctx := context.Background()
	provider, err := oidc.NewProvider(ctx, srv.URL)
	require.NoError(t, err)
	verify := oidcEmailVerifier(provider.Verifier(&oidc.Config{ClientID: testAudience}))

	t.Run("Valid", func(t *testing.T) {
		email, err := verify(ctx, generateTestToken(t, srv.URL, priv, map[string]any{"email": "refresher@example.com"}))
		require.NoError(t, err)
		assert.Equal(t, "refresher@example.com", email)
	})

	t.Run("NoEmail", func(t *testing.T) {
		_, err := verify(ctx, generateTestToken(t, srv.URL, priv, nil))
		assert.EqualError(t, err, "id token has no email")
	})

	t.Run("WrongAudience", func(t *testing.T) {
		_, err := verify(ctx, generateTestToken(t, srv.URL, priv, map[string]any{"email": "refresher@example.com", "aud": "other"}))
		assert.ErrorContains(t, err, "failed to verify id token")
	})

	t.Run("Expired", func(t *testing.T) {
		_, err := verify(ctx, generateTestToken(t, srv.URL, priv, map[string]any{
			"email": "refresher@example.com",
			"exp":   time.Now().Add(-time.Hour).Unix(),
		}))
		assert.ErrorContains(t, err, "failed to verify id token")
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := verify(ctx, "not-a-token")
		assert.Error(t, err)
	})

	t.Run("Middleware", func(t *testing.T) {
		s, e := newTestServer(t, &fakeClient{kwh: 1})
		s.verifyToken = verify
		s.refreshEmail = "refresher@example.com"

		req := httptest.NewRequest(http.MethodPost, "/api/entries/"+e.ID()+"/refresh", nil)
		req.Header.Set("Authorization", "Bearer "+generateTestToken(t, srv.URL, priv, map[string]any{"email": "refresher@example.com"}))
		rr := serve(s, req)
		assert.Equal(t, http.StatusOK, rr.Code)

		req = httptest.NewRequest(http.MethodPost, "/api/entries/"+e.ID()+"/refresh", nil)
		req.Header.Set("Authorization", "Bearer "+generateTestToken(t, srv.URL, priv, map[string]any{"email": "other@example.com"}))
		rr = serve(s, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}
