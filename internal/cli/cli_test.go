package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "migrate", "seed", "verify", "worker"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	verify, _, err := root.Find([]string{"verify"})
	require.NoError(t, err)
	assert.NotNil(t, verify.Flags().Lookup("order"))
	assert.NotNil(t, verify.Flags().Lookup("payer"))
	assert.Error(t, verify.Args(verify, nil), "signature argument is required")

	down, _, err := root.Find([]string{"migrate", "down"})
	require.NoError(t, err)
	assert.NotNil(t, down.Flags().Lookup("all"))
}
