package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"type":"join","payload":{"sessionToken":"tok","momentId":"m1"},"timestamp":123}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoin, frame.Type)

	var p JoinPayload
	require.NoError(t, frame.DecodePayload(&p))
	assert.Equal(t, "tok", p.SessionToken)
	assert.Equal(t, "m1", p.MomentID)
}

func TestParseFrameRejectsUnknownType(t *testing.T) {
	_, err := ParseFrame([]byte(`{"type":"admin_takeover"}`))
	assert.Error(t, err)
}

func TestParseFrameRejectsServerTypes(t *testing.T) {
	// Server-to-client types are not valid inbound.
	_, err := ParseFrame([]byte(`{"type":"presence_update"}`))
	assert.Error(t, err)
}

func TestParseFrameRejectsMissingType(t *testing.T) {
	_, err := ParseFrame([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestParseFrameRejectsMalformedJSON(t *testing.T) {
	_, err := ParseFrame([]byte(`{"type":"join"`))
	assert.Error(t, err)
}

func TestParseFrameRejectsOversize(t *testing.T) {
	big := `{"type":"join","payload":{"sessionToken":"` + strings.Repeat("a", MaxFrameSize) + `"}}`
	_, err := ParseFrame([]byte(big))
	assert.Error(t, err)
}

func TestDecodePayloadMissing(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"type":"leave"}`))
	require.NoError(t, err)

	var p LeavePayload
	assert.Error(t, frame.DecodePayload(&p))
}

func TestEncodeSetsEnvelope(t *testing.T) {
	data, err := Encode(TypeJoined, JoinedPayload{SocketID: "sock-1", MomentID: "m1", PresenceCount: 3})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, TypeJoined, f.Type)
	assert.NotZero(t, f.Timestamp)

	var p JoinedPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, 3, p.PresenceCount)
}

func TestNewErrorShape(t *testing.T) {
	var f Frame
	require.NoError(t, json.Unmarshal(NewError(CodeInvalidToken, "session token rejected"), &f))
	assert.Equal(t, TypeError, f.Type)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, CodeInvalidToken, p.Code)
	assert.Equal(t, "session token rejected", p.Message)
}

func TestNewRateLimitedShape(t *testing.T) {
	var f Frame
	require.NoError(t, json.Unmarshal(NewRateLimited(42), &f))
	assert.Equal(t, TypeRateLimited, f.Type)

	var p RateLimitedPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, 42, p.RetryAfter)
}

func TestNewPongEchoesClientTimestamp(t *testing.T) {
	var f Frame
	require.NoError(t, json.Unmarshal(NewPong(777), &f))
	assert.Equal(t, TypePong, f.Type)

	var p PongPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, int64(777), p.Timestamp)
	assert.NotZero(t, p.ServerTime)
}
