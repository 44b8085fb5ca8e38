package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engagehq/engage/internal/auth"
	"github.com/engagehq/engage/internal/model"
)

func TestResumeTokenHashAndVerify(t *testing.T) {
	token, err := auth.NewResumeToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	other, err := auth.NewResumeToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)

	hash, err := auth.HashResumeToken(token)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyResumeToken(token, hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyResumeToken(other, hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyResumeToken(token, "not-a-hash")
	require.Error(t, err)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 1*time.Hour)
	require.NoError(t, err)

	tenantID := uuid.New()
	token, expiresAt, err := mgr.IssueToken("idp|user-42", tenantID, model.RoleVisitor)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "idp|user-42", claims.Subject)
	assert.Equal(t, tenantID, claims.TenantID)
	assert.Equal(t, model.RoleVisitor, claims.Role)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	now := time.Now().UTC()
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "idp|user-42",
			Issuer:    "not-engage",
			Audience:  jwt.ClaimStrings{"engage"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		TenantID: uuid.New(),
		Role:     model.RoleVisitor,
	})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_MissingSubject(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	now := time.Now().UTC()
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "engage",
			Audience:  jwt.ClaimStrings{"engage"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		TenantID: uuid.New(),
		Role:     model.RoleService,
	})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing subject")
}

func TestValidateToken_Expired(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	past := time.Now().UTC().Add(-2 * time.Hour)
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "idp|user-42",
			Issuer:    "engage",
			Audience:  jwt.ClaimStrings{"engage"},
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		TenantID: uuid.New(),
		Role:     model.RoleVisitor,
	})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateToken_WrongKey(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Now().UTC()
	token := forgeToken(t, otherKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "idp|user-42",
			Issuer:    "engage",
			Audience:  jwt.ClaimStrings{"engage"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		TenantID: uuid.New(),
		Role:     model.RoleVisitor,
	})

	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestRoleRank(t *testing.T) {
	ordered := []model.Role{
		model.RoleVisitor,
		model.RoleService,
		model.RoleStaff,
		model.RoleAdmin,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, model.RoleRank(ordered[i]), model.RoleRank(ordered[i-1]),
			"%q should rank higher than %q", ordered[i], ordered[i-1])
	}
	assert.Equal(t, 0, model.RoleRank(model.Role("unknown")))

	assert.True(t, model.RoleAtLeast(model.RoleAdmin, model.RoleStaff))
	assert.True(t, model.RoleAtLeast(model.RoleStaff, model.RoleStaff))
	assert.False(t, model.RoleAtLeast(model.RoleVisitor, model.RoleService))
}
