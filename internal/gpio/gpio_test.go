package gpio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLineName(t *testing.T) {
	name, err := LineName(17)
	require.NoError(t, err)
	require.Equal(t, "GPIO17", name)

	_, err = LineName(0)
	require.Error(t, err)
}
