package tokenverifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	v := New("test-secret", "forge-control", time.Hour)

	token, err := v.Issue(Principal{UserID: "u1", OrgID: "org1", Roles: []string{"admin"}})
	require.NoError(t, err)

	p, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u1", p.UserID)
	require.Equal(t, "org1", p.OrgID)
	require.Equal(t, []string{"admin"}, p.Roles)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := New("secret-a", "forge-control", time.Hour)
	verifier := New("secret-b", "forge-control", time.Hour)

	token, err := issuer.Issue(Principal{UserID: "u1"})
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := New("test-secret", "forge-control", time.Nanosecond)

	token, err := v.Issue(Principal{UserID: "u1"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := New("test-secret", "forge-control", time.Hour)
	_, err := v.Verify("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}
