package atel

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecret_Redaction(t *testing.T) {
	token := Secret("super-secret")

	assert.Equal(t, "[REDACTED]", token.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", token))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", token))
	assert.Equal(t, "super-secret", token.Value())
	assert.True(t, token.IsSet())

	data, err := json.Marshal(token)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("45s")))
	assert.Equal(t, 45*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestSignalKind_Valid(t *testing.T) {
	for _, signal := range allSignals {
		assert.True(t, validSignal(signal))
	}
	assert.False(t, validSignal(SignalKind("events")))
}
