package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithComponentWritesStructuredFields(t *testing.T) {
	Reset()
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "farm-test"})
	t.Cleanup(Reset)

	l := WithComponent("pool")
	l.Info().Str(FieldEvent, "pool.admit").Str(FieldDevice, "emulator-5554").Msg("admitted")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "farm-test", entry["service"])
	require.Equal(t, "pool", entry[FieldComponent])
	require.Equal(t, "pool.admit", entry[FieldEvent])
	require.Equal(t, "emulator-5554", entry[FieldDevice])
}

func TestConfigureOnlyOnceUntilReset(t *testing.T) {
	Reset()
	var first, second bytes.Buffer
	Configure(Config{Output: &first})
	Configure(Config{Output: &second})
	t.Cleanup(Reset)

	base := Base()
	base.Info().Msg("hello")
	require.NotZero(t, first.Len())
	require.Zero(t, second.Len())
}
