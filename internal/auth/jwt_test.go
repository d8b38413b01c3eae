package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/cert-engine/internal/models"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := NewToken("secret", "cert-engine", time.Minute, &models.Identity{
		ID:    "user-1",
		Email: "Alice@Example.com",
		Name:  "Alice",
		Role:  models.RoleParticipant,
	})
	require.NoError(t, err)

	claims, err := NewVerifier("secret", "cert-engine").Parse(token)
	require.NoError(t, err)

	id := claims.Identity()
	assert.Equal(t, "user-1", id.ID)
	assert.Equal(t, "alice@example.com", id.Email)
	assert.Equal(t, models.RoleParticipant, id.Role)
}

func TestParseRejectsWrongSecretAndIssuer(t *testing.T) {
	token, err := NewToken("secret", "issuer-a", time.Minute, &models.Identity{ID: "u", Email: "u@x.com"})
	require.NoError(t, err)

	_, err = NewVerifier("other", "").Parse(token)
	assert.Error(t, err)

	_, err = NewVerifier("secret", "issuer-b").Parse(token)
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := NewToken("secret", "", -time.Minute, &models.Identity{ID: "u", Email: "u@x.com"})
	require.NoError(t, err)

	_, err = NewVerifier("secret", "").Parse(token)
	assert.Error(t, err)
}
