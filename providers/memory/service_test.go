package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_ProjectNameUniqueness(t *testing.T) {
	svc := NewService()

	p1, err := svc.CreateProject("alpha", "eu-west-1", map[string]string{"team": "core"})
	require.NoError(t, err)
	assert.Contains(t, p1.ID, "prj-")

	_, err = svc.CreateProject("alpha", "us-east-1", nil)
	require.ErrorIs(t, err, ErrExists)

	p2, err := svc.CreateProject("beta", "us-east-1", nil)
	require.NoError(t, err)

	_, err = svc.UpdateProject(p2.ID, "alpha", nil)
	require.ErrorIs(t, err, ErrExists, "renames collide like creates")
}

func TestService_DeleteProjectWithTokens(t *testing.T) {
	svc := NewService()
	p, err := svc.CreateProject("alpha", "eu-west-1", nil)
	require.NoError(t, err)
	tok, err := svc.CreateToken(p.ID, "ci")
	require.NoError(t, err)

	err = svc.DeleteProject(p.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active token")

	require.NoError(t, svc.DeleteToken(tok.ID))
	require.NoError(t, svc.DeleteProject(p.ID))
	assert.Equal(t, 0, svc.ProjectCount())

	require.ErrorIs(t, svc.DeleteProject(p.ID), ErrNotFound)
}

func TestService_TokenSecrets(t *testing.T) {
	svc := NewService()
	p, err := svc.CreateProject("alpha", "eu-west-1", nil)
	require.NoError(t, err)

	t1, err := svc.CreateToken(p.ID, "ci")
	require.NoError(t, err)
	t2, err := svc.CreateToken(p.ID, "deploy")
	require.NoError(t, err)

	assert.Contains(t, t1.Secret, "tok_")
	assert.NotEqual(t, t1.Secret, t2.Secret)

	updated, err := svc.UpdateToken(t1.ID, "ci-renamed")
	require.NoError(t, err)
	assert.Equal(t, "ci-renamed", updated.Note)
	assert.Equal(t, t1.Secret, updated.Secret, "updates never rotate the secret")

	_, err = svc.CreateToken("prj-missing", "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestService_ClonesDoNotAlias(t *testing.T) {
	svc := NewService()
	p, err := svc.CreateProject("alpha", "eu-west-1", map[string]string{"team": "core"})
	require.NoError(t, err)

	p.Labels["team"] = "mutated"
	fresh, err := svc.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "core", fresh.Labels["team"])
}
