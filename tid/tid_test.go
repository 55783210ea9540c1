package tid

import (
	"testing"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTIDIsMonotonic(t *testing.T) {
	prev := TID()
	for range 100 {
		next := TID()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestTIDIsValid(t *testing.T) {
	_, err := syntax.ParseTID(TID())
	require.NoError(t, err)
}
