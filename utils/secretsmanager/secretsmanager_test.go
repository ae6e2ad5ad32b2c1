package secretsmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredsFromSecret(t *testing.T) {
	user, pass, err := credsFromSecret("mesh:s3cret\n")
	require.NoError(t, err)
	assert.Equal(t, "mesh", user)
	assert.Equal(t, "s3cret", pass)

	user, pass, err = credsFromSecret("mesh:a:b")
	require.NoError(t, err)
	assert.Equal(t, "mesh", user)
	assert.Equal(t, "a:b", pass)

	_, _, err = credsFromSecret("nocolon")
	require.Error(t, err)

	_, _, err = credsFromSecret(":pass")
	require.Error(t, err)
}
