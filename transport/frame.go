// Package transport provides the length-prefixed message framing and the
// bidirectional message bridge used by the master session, the proxy client,
// and the query server.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package transport

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/jwtrevoker/blnode/cmn"
	"github.com/pkg/errors"
)

// Wire frame: 4-byte big-endian payload length, then the payload.
const (
	hdrSize        = 4
	MaxPayloadSize = 65535
)

// SendMsg writes one frame. Empty payloads are silently dropped.
func SendMsg(conn net.Conn, msg string) error {
	if msg == "" {
		return nil
	}
	if len(msg) > MaxPayloadSize {
		return errors.Wrapf(cmn.ErrProtocol, "payload %d exceeds max frame size %d", len(msg), MaxPayloadSize)
	}
	frame := make([]byte, hdrSize+len(msg))
	binary.BigEndian.PutUint32(frame[:hdrSize], uint32(len(msg)))
	copy(frame[hdrSize:], msg)
	if _, err := conn.Write(frame); err != nil {
		return errors.Wrapf(cmn.ErrIo, "write frame: %v", err)
	}
	return nil
}

// RecvMsg reads one frame and returns its payload. An empty frame yields
// an empty string; callers ignore those.
func RecvMsg(conn net.Conn) (string, error) {
	var hdr [hdrSize]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", errors.Wrapf(cmn.ErrIo, "read frame header: %v", err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 {
		return "", nil
	}
	if length > MaxPayloadSize {
		return "", errors.Wrapf(cmn.ErrProtocol, "frame length %d exceeds max %d", length, MaxPayloadSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return "", errors.Wrapf(cmn.ErrIo, "read frame payload: %v", err)
	}
	return string(payload), nil
}
