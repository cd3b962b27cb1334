package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewIdentity tests identity packet construction
func TestNewIdentity(t *testing.T) {
	p := NewIdentity("abc123", "workstation", 1764)

	assert.Equal(t, TypeIdentity, p.Type)
	assert.NotZero(t, p.ID)
	assert.Equal(t, "abc123", p.GetString("deviceId", ""))
	assert.Equal(t, "workstation", p.GetString("deviceName", ""))
	assert.Equal(t, "desktop", p.GetString("deviceType", ""))
	assert.Equal(t, ProtocolVersion, p.GetInt("protocolVersion", 0))
	assert.Equal(t, 1764, p.GetInt("tcpPort", 0))
	require.NoError(t, p.Validate())
}

// TestNewIdentity_NoPort tests that a zero port omits tcpPort
func TestNewIdentity_NoPort(t *testing.T) {
	p := NewIdentity("abc123", "workstation", 0)

	assert.False(t, p.Has("tcpPort"))
	require.NoError(t, p.Validate())
}

// TestParse_RoundTrip tests encode/decode equivalence
func TestParse_RoundTrip(t *testing.T) {
	original := NewNotification("text", "title", "app", "ref-1", nil)

	encoded, err := original.Encode()
	require.NoError(t, err)

	decoded, err := Parse(encoded)
	require.NoError(t, err)

	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, "ref-1", decoded.GetString("id", ""))
	assert.Equal(t, "title: text", decoded.GetString("ticker", ""))

	reencoded, err := decoded.Encode()
	require.NoError(t, err)

	var a, b map[string]any
	require.NoError(t, json.Unmarshal(encoded, &a))
	require.NoError(t, json.Unmarshal(reencoded, &b))
	assert.Equal(t, a, b)
}

// TestParse_Invalid tests rejection of malformed packets
func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"bad json", `{not json`},
		{"missing type", `{"id":1,"body":{}}`},
		{"missing body", `{"id":1,"type":"kdeconnect.ping"}`},
		{"identity missing keys", `{"id":1,"type":"kdeconnect.identity","body":{"deviceId":"x"}}`},
		{"pair missing flag", `{"id":1,"type":"kdeconnect.pair","body":{}}`},
		{"pair flag not bool", `{"id":1,"type":"kdeconnect.pair","body":{"pair":"yes"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.line))
			assert.Error(t, err)
		})
	}
}

// TestNewNotification_Payload tests payload field placement
func TestNewNotification_Payload(t *testing.T) {
	payload := &NotificationPayload{Digest: "d41d8cd9", Size: 512, Port: 1763}
	p := NewNotification("t", "T", "app", "r1", payload)

	// payloadHash lives in the body, size and port at the envelope level.
	assert.Equal(t, "d41d8cd9", p.GetString("payloadHash", ""))
	assert.EqualValues(t, 512, p.PayloadSize)
	require.NotNil(t, p.PayloadTransferInfo)
	assert.Equal(t, 1763, p.PayloadTransferInfo.Port)

	encoded, err := p.Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(encoded, &raw))
	assert.Contains(t, raw, "payloadSize")
	assert.Contains(t, raw, "payloadTransferInfo")

	body := raw["body"].(map[string]any)
	assert.NotContains(t, body, "payloadSize")
	assert.Contains(t, body, "payloadHash")
}

// TestNewNotification_FreshReference tests uuid assignment for empty references
func TestNewNotification_FreshReference(t *testing.T) {
	p := NewNotification("t", "T", "app", "", nil)
	assert.NotEmpty(t, p.GetString("id", ""))
}

// TestNewCancel tests cancel packet shape
func TestNewCancel(t *testing.T) {
	p := NewCancel("r1")

	assert.Equal(t, TypeNotification, p.Type)
	assert.Equal(t, "r1", p.GetString("id", ""))
	assert.True(t, p.GetBool("isCancel"))
}

// TestNewPair tests the pair flag
func TestNewPair(t *testing.T) {
	assert.True(t, NewPair(true).GetBool("pair"))
	assert.False(t, NewPair(false).GetBool("pair"))
	require.NoError(t, NewPair(false).Validate())
}

// TestNewPing_Message tests message propagation
func TestNewPing_Message(t *testing.T) {
	assert.False(t, NewPing("").Has("message"))
	assert.Equal(t, "hello", NewPing("hello").GetString("message", ""))
}

// TestNewRunCommand tests command list serialisation
func TestNewRunCommand(t *testing.T) {
	p, err := NewRunCommand(map[string]CommandEntry{
		"key1": {Name: "reboot", Command: "systemctl reboot"},
	})
	require.NoError(t, err)

	var catalog map[string]CommandEntry
	require.NoError(t, json.Unmarshal([]byte(p.GetString("commandList", "")), &catalog))
	assert.Equal(t, "systemctl reboot", catalog["key1"].Command)
}

// TestPacket_GetInt tests numeric coercion from decoded JSON
func TestPacket_GetInt(t *testing.T) {
	decoded, err := Parse([]byte(`{"id":1,"type":"kdeconnect.ping","body":{"n":1716}}`))
	require.NoError(t, err)

	assert.Equal(t, 1716, decoded.GetInt("n", 0))
	assert.Equal(t, 42, decoded.GetInt("absent", 42))
}
