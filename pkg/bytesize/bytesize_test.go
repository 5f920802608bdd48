package bytesize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	b, err := Parse("2GiB")
	require.NoError(t, err)
	require.Equal(t, uint64(2*1024*1024*1024), b.AsU64())
	require.Equal(t, "2GiB", b.String())
}

func TestJSONRoundTrip(t *testing.T) {
	b, err := Parse("512MiB")
	require.NoError(t, err)

	data, err := json.Marshal(b)
	require.NoError(t, err)

	var parsed Byte
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Equal(t, b, parsed)
}
