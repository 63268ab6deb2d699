// Package wsproto implements the little-endian binary frame layouts of
// the wire protocol table, both directions. It is deliberately free of
// any connection or channel concept so it can be unit tested as pure
// encode/decode functions.
package wsproto

import (
	"encoding/binary"
	"errors"
)

// Server-to-client binary opcodes.
const (
	OpMessageData     byte = 0x01
	OpTime            byte = 0x02
	OpServiceResponse byte = 0x03
	OpFetchAssetResp  byte = 0x04
)

// Client-to-server binary opcodes.
const (
	OpClientMessageData    byte = 0x01
	OpClientServiceRequest byte = 0x02
)

// ErrShortFrame is returned by any decoder given fewer bytes than its
// fixed header requires.
var ErrShortFrame = errors.New("wsproto: frame shorter than its fixed header")

// EncodeMessageData builds a 0x01 server->client data frame:
// subscriptionID u32 LE, logTime u64 LE, payload.
func EncodeMessageData(subscriptionID uint32, logTime uint64, payload []byte) []byte {
	buf := make([]byte, 1+4+8+len(payload))
	buf[0] = OpMessageData
	binary.LittleEndian.PutUint32(buf[1:5], subscriptionID)
	binary.LittleEndian.PutUint64(buf[5:13], logTime)
	copy(buf[13:], payload)
	return buf
}

// DecodeMessageData parses a 0x01 frame's body (opcode byte already
// stripped by the caller).
func DecodeMessageData(body []byte) (subscriptionID uint32, logTime uint64, payload []byte, err error) {
	if len(body) < 12 {
		return 0, 0, nil, ErrShortFrame
	}
	subscriptionID = binary.LittleEndian.Uint32(body[0:4])
	logTime = binary.LittleEndian.Uint64(body[4:12])
	payload = body[12:]
	return subscriptionID, logTime, payload, nil
}

// EncodeTime builds a 0x02 time frame: timestamp u64 LE.
func EncodeTime(nanos uint64) []byte {
	buf := make([]byte, 1+8)
	buf[0] = OpTime
	binary.LittleEndian.PutUint64(buf[1:9], nanos)
	return buf
}

// EncodeServiceResponse builds a 0x03 frame: serviceID u32, callID u32,
// encoding length-prefixed string, payload.
func EncodeServiceResponse(serviceID, callID uint32, encoding string, payload []byte) []byte {
	return encodeServiceBody(OpServiceResponse, serviceID, callID, encoding, payload)
}

// DecodeServiceRequest parses a 0x02 client->server frame's body: serviceID
// u32, callID u32, encoding length-prefixed string, payload.
func DecodeServiceRequest(body []byte) (serviceID, callID uint32, encoding string, payload []byte, err error) {
	return decodeServiceBody(body)
}

// EncodeServiceRequest builds a 0x02 client->server frame: serviceID u32,
// callID u32, encoding length-prefixed string, payload. Used by Go client
// implementations (e.g. this module's own integration tests) to drive a
// service call over the real wire format.
func EncodeServiceRequest(serviceID, callID uint32, encoding string, payload []byte) []byte {
	buf := encodeServiceBody(OpClientServiceRequest, serviceID, callID, encoding, payload)
	return buf
}

// DecodeServiceResponse parses a 0x03 server->client frame's body, which
// shares the exact same layout as a service request.
func DecodeServiceResponse(body []byte) (serviceID, callID uint32, encoding string, payload []byte, err error) {
	return decodeServiceBody(body)
}

func decodeServiceBody(body []byte) (serviceID, callID uint32, encoding string, payload []byte, err error) {
	if len(body) < 12 {
		return 0, 0, "", nil, ErrShortFrame
	}
	serviceID = binary.LittleEndian.Uint32(body[0:4])
	callID = binary.LittleEndian.Uint32(body[4:8])
	encLen := binary.LittleEndian.Uint32(body[8:12])
	if uint32(len(body)-12) < encLen {
		return 0, 0, "", nil, ErrShortFrame
	}
	encoding = string(body[12 : 12+encLen])
	payload = body[12+encLen:]
	return serviceID, callID, encoding, payload, nil
}

func encodeServiceBody(opcode byte, serviceID, callID uint32, encoding string, payload []byte) []byte {
	enc := []byte(encoding)
	buf := make([]byte, 1+4+4+4+len(enc)+len(payload))
	buf[0] = opcode
	binary.LittleEndian.PutUint32(buf[1:5], serviceID)
	binary.LittleEndian.PutUint32(buf[5:9], callID)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(enc)))
	off := 13
	off += copy(buf[off:], enc)
	copy(buf[off:], payload)
	return buf
}

// EncodeFetchAssetResponse builds a 0x04 frame: requestID u32, status u8,
// then either the error string (status != 0) or the raw payload
// (status == 0).
func EncodeFetchAssetResponse(requestID uint32, ok bool, errMsg string, data []byte) []byte {
	var status byte
	var tail []byte
	if ok {
		status = 0
		tail = data
	} else {
		status = 1
		tail = []byte(errMsg)
	}
	buf := make([]byte, 1+4+1+len(tail))
	buf[0] = OpFetchAssetResp
	binary.LittleEndian.PutUint32(buf[1:5], requestID)
	buf[5] = status
	copy(buf[6:], tail)
	return buf
}

// DecodeClientMessageData parses a 0x01 client->server frame's body:
// clientChannelID u32, payload.
func DecodeClientMessageData(body []byte) (clientChannelID uint32, payload []byte, err error) {
	if len(body) < 4 {
		return 0, nil, ErrShortFrame
	}
	clientChannelID = binary.LittleEndian.Uint32(body[0:4])
	payload = body[4:]
	return clientChannelID, payload, nil
}
