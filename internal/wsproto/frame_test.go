package wsproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageDataRoundTrip(t *testing.T) {
	frame := EncodeMessageData(1, 0x0102030405060708, []byte{0xDE, 0xAD})
	require.Equal(t, OpMessageData, frame[0])
	subID, logTime, payload, err := DecodeMessageData(frame[1:])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), subID)
	assert.EqualValues(t, 0x0102030405060708, logTime)
	assert.Equal(t, []byte{0xDE, 0xAD}, payload)
}

func TestServiceRequestResponseRoundTrip(t *testing.T) {
	resp := EncodeServiceResponse(5, 7, "json", []byte("ok"))
	require.Equal(t, OpServiceResponse, resp[0])

	req := make([]byte, 0)
	req = append(req, resp[1:]...) // same layout as a request for this test
	serviceID, callID, encoding, payload, err := DecodeServiceRequest(req)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), serviceID)
	assert.Equal(t, uint32(7), callID)
	assert.Equal(t, "json", encoding)
	assert.Equal(t, []byte("ok"), payload)
}

func TestFetchAssetResponseSuccessAndError(t *testing.T) {
	ok := EncodeFetchAssetResponse(42, true, "", []byte{1, 2, 3})
	assert.Equal(t, OpFetchAssetResp, ok[0])
	assert.Equal(t, byte(0), ok[5])
	assert.Equal(t, []byte{1, 2, 3}, ok[6:])

	bad := EncodeFetchAssetResponse(42, false, "not found", nil)
	assert.Equal(t, byte(1), bad[5])
	assert.Equal(t, "not found", string(bad[6:]))
}

func TestDecodeMessageDataShortFrame(t *testing.T) {
	_, _, _, err := DecodeMessageData([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestClientMessageDataRoundTrip(t *testing.T) {
	clientChannelID, payload, err := DecodeClientMessageData([]byte{9, 0, 0, 0, 0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, uint32(9), clientChannelID)
	assert.Equal(t, []byte{0xAA, 0xBB}, payload)
}
