package awsevent_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"agentrt/awsevent"
)

// buildFrame constructs a valid AWS event-stream frame with one string
// header named headerName and the given payload. CRC fields are zeroed;
// the decoder does not validate them.
func buildFrame(t *testing.T, headerName, headerValue string, payload []byte) []byte {
	t.Helper()
	var headers []byte
	headers = append(headers, byte(len(headerName)))
	headers = append(headers, []byte(headerName)...)
	headers = append(headers, byte(7)) // string type
	valLen := make([]byte, 2)
	binary.BigEndian.PutUint16(valLen, uint16(len(headerValue)))
	headers = append(headers, valLen...)
	headers = append(headers, []byte(headerValue)...)

	total := 4 + 4 + 4 + len(headers) + len(payload) + 4
	frame := make([]byte, 0, total)
	totalB := make([]byte, 4)
	binary.BigEndian.PutUint32(totalB, uint32(total))
	headerLenB := make([]byte, 4)
	binary.BigEndian.PutUint32(headerLenB, uint32(len(headers)))

	frame = append(frame, totalB...)
	frame = append(frame, headerLenB...)
	frame = append(frame, 0, 0, 0, 0) // prelude crc, unused
	frame = append(frame, headers...)
	frame = append(frame, payload...)
	frame = append(frame, 0, 0, 0, 0) // message crc, unused
	return frame
}

func TestDecodeSingleCompleteFrame(t *testing.T) {
	frame := buildFrame(t, ":event-type", "contentBlockDelta", []byte(`{"delta":"hi"}`))
	d := awsevent.New()
	msgs, err := d.Decode(frame)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "contentBlockDelta", msgs[0].EventType())
	require.Equal(t, `{"delta":"hi"}`, string(msgs[0].Payload))
}

func TestDecodePartialFrameAcrossCalls(t *testing.T) {
	frame := buildFrame(t, ":message-type", "exception", []byte(`{"message":"boom"}`))
	d := awsevent.New()

	msgs, err := d.Decode(frame[:10])
	require.NoError(t, err)
	require.Empty(t, msgs)

	msgs, err = d.Decode(frame[10:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "exception", msgs[0].MessageType())
}

func TestDecodeMultipleFramesInOneChunk(t *testing.T) {
	f1 := buildFrame(t, ":event-type", "messageStart", []byte(`{}`))
	f2 := buildFrame(t, ":event-type", "messageStop", []byte(`{}`))
	d := awsevent.New()
	msgs, err := d.Decode(append(f1, f2...))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "messageStart", msgs[0].EventType())
	require.Equal(t, "messageStop", msgs[1].EventType())
}

func TestDecodeInvalidTotalLengthErrors(t *testing.T) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 3) // smaller than minFrameLen
	d := awsevent.New()
	_, err := d.Decode(buf)
	require.Error(t, err)
}
