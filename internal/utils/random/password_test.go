package random

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassword(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		pw, err := Password(12)
		require.NoError(t, err)
		assert.Len(t, pw, 12)
		for _, r := range pw {
			assert.True(t, strings.ContainsRune(passwordAlphabet, r))
		}
		seen[pw] = true
	}
	// Collisions across 20 draws would mean the generator is broken
	assert.Len(t, seen, 20)
}

func TestPasswordDefaultLength(t *testing.T) {
	pw, err := Password(0)
	require.NoError(t, err)
	assert.Len(t, pw, 12)
}
