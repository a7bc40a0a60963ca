package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	b, err := EncodeFrame(EventStreamChunk, StreamChunk{SessionID: "s1", Chunk: "he"})
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"stream-chunk","data":{"sessionId":"s1","chunk":"he"}}`, string(b))

	env, err := DecodeFrame(b)
	require.NoError(t, err)
	require.Equal(t, EventStreamChunk, env.Event)

	chunk, err := DecodeData[StreamChunk](env.Data)
	require.NoError(t, err)
	require.Equal(t, "he", chunk.Chunk)
}

func TestEncodeFrameWithoutPayload(t *testing.T) {
	b, err := EncodeFrame(EventJoinSession, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"join-session"}`, string(b))

	_, err = EncodeFrame("", nil)
	require.Error(t, err)
}

func TestDecodeFrameRejectsMissingEvent(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"data":{}}`))
	require.Error(t, err)

	_, err = DecodeFrame([]byte(`not json`))
	require.Error(t, err)
}

func TestReplyTextFallbacks(t *testing.T) {
	require.Equal(t, "pong", ChatResponse{Response: "pong", Message: "old"}.Text())
	require.Equal(t, "old", ChatResponse{Message: "old"}.Text())
	require.Equal(t, "boom", ErrorPayload{Message: "boom"}.Text())
	require.Equal(t, "bad", ErrorPayload{Error: "bad", Message: "boom"}.Text())
}
