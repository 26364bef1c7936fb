package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("x-api-key", "secret").Value.String())
	require.Equal(t, "42", MaskField("fid", "42").Value.String())
	require.Equal(t, "", MaskField("x-api-key", "").Value.String())
	require.Contains(t, RedactionAllowlist(), "requestid")
}

func TestMaskHeadersGroupsSortedValues(t *testing.T) {
	attr := MaskHeaders("headers", map[string]string{"Cookie": "session=1", "Accept": "application/json"})
	require.Equal(t, "headers", attr.Key)
	group := attr.Value.Group()
	require.Len(t, group, 2)
	require.Equal(t, "Accept", group[0].Key)
	require.Equal(t, "application/json", group[0].Value.String())
	require.Equal(t, RedactedValue, group[1].Value.String())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}
