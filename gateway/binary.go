// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Binary camera frames travel as a single WebSocket binary message:
//
//	[4 bytes big-endian header length][header JSON][raw frame bytes]
//
// The header carries everything the client needs to route and display the
// frame without parsing the payload.

const binaryHeaderLenSize = 4

// EncodeBinaryFrame builds the wire form of a binary camera frame.
func EncodeBinaryFrame(header BinaryFrameHeader, payload []byte) ([]byte, error) {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame header: %w", err)
	}

	buf := make([]byte, binaryHeaderLenSize+len(headerJSON)+len(payload))
	binary.BigEndian.PutUint32(buf[:binaryHeaderLenSize], uint32(len(headerJSON)))
	copy(buf[binaryHeaderLenSize:], headerJSON)
	copy(buf[binaryHeaderLenSize+len(headerJSON):], payload)
	return buf, nil
}

// DecodeBinaryFrame parses a wire-form binary frame back into its header and
// payload. The payload slice aliases data.
func DecodeBinaryFrame(data []byte) (BinaryFrameHeader, []byte, error) {
	var header BinaryFrameHeader
	if len(data) < binaryHeaderLenSize {
		return header, nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	headerLen := binary.BigEndian.Uint32(data[:binaryHeaderLenSize])
	if int(headerLen) > len(data)-binaryHeaderLenSize {
		return header, nil, fmt.Errorf("header length %d exceeds frame size %d", headerLen, len(data))
	}

	headerJSON := data[binaryHeaderLenSize : binaryHeaderLenSize+int(headerLen)]
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return header, nil, fmt.Errorf("failed to decode frame header: %w", err)
	}

	return header, data[binaryHeaderLenSize+int(headerLen):], nil
}
