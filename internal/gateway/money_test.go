package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMajor(t *testing.T) {
	assert.Equal(t, "50.00", FormatMajor(5000, "USD"))
	assert.Equal(t, "0.05", FormatMajor(5, "eur"))
	assert.Equal(t, "5000", FormatMajor(5000, "JPY"))
	assert.Equal(t, "5.000", FormatMajor(5000, "KWD"))
}

func TestParseMajor(t *testing.T) {
	v, err := ParseMajor("50.00", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), v)

	v, err = ParseMajor("1.745", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(175), v)

	v, err = ParseMajor("", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	_, err = ParseMajor("abc", "USD")
	assert.Error(t, err)
}
