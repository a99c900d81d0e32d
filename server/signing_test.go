package server

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerRoundTrip(t *testing.T) {
	signer, err := NewSigner("secret", "sha256")
	require.NoError(t, err)

	message, signature, err := signer.SignPayload(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(message)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(raw))

	assert.True(t, signer.Verify([]byte(message), signature))
	assert.False(t, signer.Verify([]byte(message), "deadbeef"))
	assert.False(t, signer.Verify([]byte(message+"x"), signature))
}

func TestSignPayloadIsDeterministic(t *testing.T) {
	signer, err := NewSigner("secret", "sha1")
	require.NoError(t, err)

	m1, s1, err := signer.SignPayload(map[string]interface{}{"x": "y", "a": "b"})
	require.NoError(t, err)
	m2, s2, err := signer.SignPayload(map[string]interface{}{"a": "b", "x": "y"})
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
	assert.Equal(t, s1, s2)
}

func TestSignDataStampsExpiry(t *testing.T) {
	signer, err := NewSigner("secret", "")
	require.NoError(t, err)

	before := time.Now().Add(time.Minute).Unix()
	envelope, err := signer.SignData(map[string]interface{}{"action": "delete"}, time.Minute)
	require.NoError(t, err)
	require.Contains(t, envelope, "payload")
	require.Contains(t, envelope, "signature")

	raw, err := base64.StdEncoding.DecodeString(envelope["payload"])
	require.NoError(t, err)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "delete", payload["action"])
	assert.GreaterOrEqual(t, int64(payload["time"].(float64)), before)
	assert.True(t, signer.Verify([]byte(envelope["payload"]), envelope["signature"]))
}

func TestNewSignerRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewSigner("secret", "md5")
	assert.Error(t, err)
}
