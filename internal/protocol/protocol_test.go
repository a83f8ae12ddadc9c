package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit/hub/internal/domain"
)

func TestNewFrame_CreatesCorrectEnvelope(t *testing.T) {
	before := time.Now()
	frame, err := NewFrame(TypeHello, HelloPayload{Room: "ABC123"})
	after := time.Now()

	require.NoError(t, err)
	require.NotNil(t, frame)

	assert.Equal(t, TypeHello, frame.Type)
	assert.NotNil(t, frame.Payload)
	assert.False(t, frame.Timestamp.Before(before))
	assert.False(t, frame.Timestamp.After(after))
}

func TestNewFrame_InvalidPayload(t *testing.T) {
	// Channels cannot be marshalled to JSON
	frame, err := NewFrame(TypeHello, make(chan int))
	assert.Error(t, err)
	assert.Nil(t, frame)
}

func TestCrdtUpdatePayload_BlobIsPaddedBase64(t *testing.T) {
	// 4 bytes encodes to 8 base64 chars with padding; json must carry the
	// padded standard encoding.
	blob := []byte{0x85, 0x6f, 0x4a, 0x83, 0x01}
	data, err := json.Marshal(CrdtUpdatePayload{Blob: blob})
	require.NoError(t, err)

	expected := base64.StdEncoding.EncodeToString(blob)
	assert.True(t, strings.Contains(string(data), expected), "payload %s should contain %s", data, expected)

	var decoded CrdtUpdatePayload
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, blob, decoded.Blob)
}

func TestTransient_Classification(t *testing.T) {
	assert.True(t, Transient(TypeCursor))
	assert.True(t, Transient(TypeTyping))
	assert.False(t, Transient(TypeCrdtUpdate))
	assert.False(t, Transient(TypeUserJoined))
	assert.False(t, Transient(TypeError))
}

func TestHelloAck_RoundTrip(t *testing.T) {
	frame, err := NewFrame(TypeHelloAck, HelloAckPayload{
		Room: "ABC123",
		Role: domain.RoleEditor,
		Snapshot: RoomSnapshot{
			Language: "go",
			Users:    []domain.Presence{{PrincipalID: "u1", DisplayName: "Alice"}},
			Document: []byte("state"),
		},
	})
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var back Frame
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, TypeHelloAck, back.Type)

	var payload HelloAckPayload
	require.NoError(t, json.Unmarshal(back.Payload, &payload))
	assert.Equal(t, domain.RoleEditor, payload.Role)
	assert.Equal(t, "go", payload.Snapshot.Language)
	assert.Equal(t, []byte("state"), payload.Snapshot.Document)
}

func TestErrorFrame(t *testing.T) {
	frame := ErrorFrame(domain.ErrKindRoomFull, "capacity 5 reached")
	require.NotNil(t, frame)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, domain.ErrKindRoomFull, payload.Kind)
	assert.Equal(t, "capacity 5 reached", payload.Detail)
}

func TestWarningFrame_DroppedFramesCount(t *testing.T) {
	frame := WarningFrame(domain.WarnDroppedFrames, "", 3)
	var payload WarningPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, domain.WarnDroppedFrames, payload.Kind)
	assert.Equal(t, 3, payload.Count)
}
