// WebSocket wire layer, implemented directly against RFC 6455.
//
// Covers the opening handshake, unfragmented text frames in both
// directions, and the close/ping/pong control opcodes. Continuation
// frames, extensions, and subprotocols are not handled.

package main

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
)

const (
	// websocketGUID is the fixed magic string from RFC 6455 section 1.3.
	websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	finBit  byte = 0x80
	maskBit byte = 0x80

	opContinuation byte = 0x0
	opText         byte = 0x1
	opBinary       byte = 0x2
	opClose        byte = 0x8
	opPing         byte = 0x9
	opPong         byte = 0xA

	// maxFramePayload bounds a single inbound frame. Game messages are a
	// few hundred bytes; anything past this is a misbehaving client.
	maxFramePayload = 1 << 20

	readChunkSize = 4096
	sendQueueSize = 8
)

var errFrameTooLarge = errors.New("frame payload exceeds maximum allowed size")

// acceptKey computes the Sec-WebSocket-Accept value for a client key,
// per RFC 6455 section 1.3: SHA-1 over key+GUID, base64-encoded.
func acceptKey(clientKey string) string {
	digest := sha1.Sum([]byte(clientKey + websocketGUID))
	return base64.StdEncoding.EncodeToString(digest[:])
}

// headerHasToken reports whether any comma-separated value of the named
// header matches token, case-insensitively.
func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h[http.CanonicalHeaderKey(name)] {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}

	return false
}

// checkUpgrade validates the opening handshake request and returns the
// client's Sec-WebSocket-Key.
func checkUpgrade(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", errors.New("websocket handshake requires GET")
	}
	if !headerHasToken(r.Header, "Connection", "Upgrade") ||
		!headerHasToken(r.Header, "Upgrade", "websocket") {
		return "", errors.New("not a websocket upgrade request")
	}
	if v := r.Header.Get("Sec-WebSocket-Version"); v != "13" {
		return "", fmt.Errorf("unsupported websocket version %q", v)
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", errors.New("missing Sec-WebSocket-Key header")
	}

	return key, nil
}

// wireFrame is a single decoded WebSocket frame.
type wireFrame struct {
	fin     bool
	opcode  byte
	masked  bool
	payload []byte
}

// decodeFrame parses one frame from the front of raw. It returns the frame
// and the number of bytes consumed. When raw does not yet hold a complete
// frame it returns (zero, 0, nil) so the caller can wait for more bytes;
// partial frames are never an error.
func decodeFrame(raw []byte) (wireFrame, int, error) {
	var f wireFrame

	if len(raw) < 2 {
		return f, 0, nil
	}

	f.fin = raw[0]&finBit != 0
	f.opcode = raw[0] & 0x0F
	f.masked = raw[1]&maskBit != 0

	length := int64(raw[1] & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return f, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return f, 0, nil
		}
		// Compared while still unsigned; a declared length with the
		// top bit set would wrap negative through int64.
		wide := binary.BigEndian.Uint64(raw[offset:])
		if wide > maxFramePayload {
			return f, 0, errFrameTooLarge
		}
		length = int64(wide)
		offset += 8
	}

	if length > maxFramePayload {
		return f, 0, errFrameTooLarge
	}

	var mask [4]byte
	if f.masked {
		if len(raw) < offset+4 {
			return f, 0, nil
		}
		copy(mask[:], raw[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(raw) < total {
		return f, 0, nil
	}

	f.payload = make([]byte, length)
	copy(f.payload, raw[offset:total])
	if f.masked {
		for i := range f.payload {
			f.payload[i] ^= mask[i%4]
		}
	}

	return f, total, nil
}

// encodeFrame serializes a single unfragmented server frame. Server frames
// are never masked. The payload length field uses the narrowest of the
// three encodings that fits: 7-bit, 16-bit (marker 126), 64-bit (marker 127).
func encodeFrame(opcode byte, payload []byte) []byte {
	n := len(payload)

	var header []byte
	switch {
	case n < 126:
		header = []byte{finBit | opcode, byte(n)}
	case n < 1<<16:
		header = []byte{finBit | opcode, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = []byte{finBit | opcode, 127, 0, 0, 0, 0, 0, 0, 0, 0}
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	frame := make([]byte, 0, len(header)+n)
	frame = append(frame, header...)
	frame = append(frame, payload...)

	return frame
}

// connHandler receives decoded text payloads and lifecycle notifications
// from a wire connection. The dispatcher implements it.
type connHandler interface {
	HandleText(c *wireConn, payload []byte)
	HandleDisconnect(c *wireConn)
}

// wireConn is one upgraded WebSocket connection. A dedicated writer
// goroutine drains the outbound queue so handlers never block on the
// network; writes after close are swallowed.
type wireConn struct {
	nc   net.Conn
	br   *bufio.Reader
	out  chan []byte
	done chan struct{}
	dead atomic.Bool

	remote string
}

func newWireConn(nc net.Conn, br *bufio.Reader) *wireConn {
	return &wireConn{
		nc:     nc,
		br:     br,
		out:    make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		remote: nc.RemoteAddr().String(),
	}
}

// Open reports whether the connection is still usable.
func (c *wireConn) Open() bool {
	return !c.dead.Load()
}

// Send queues one text message for delivery. Best effort: a closed
// connection or a full queue drops the message and returns false.
func (c *wireConn) Send(payload []byte) bool {
	return c.enqueue(encodeFrame(opText, payload))
}

func (c *wireConn) pong() {
	c.enqueue(encodeFrame(opPong, nil))
}

func (c *wireConn) enqueue(frame []byte) bool {
	if c.dead.Load() {
		return false
	}

	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// shutdown closes the underlying socket exactly once.
func (c *wireConn) shutdown() {
	if c.dead.CompareAndSwap(false, true) {
		close(c.done)
		_ = c.nc.Close()
	}
}

func (c *wireConn) writeLoop() {
	for {
		select {
		case frame := <-c.out:
			if _, err := c.nc.Write(frame); err != nil {
				c.shutdown()

				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop accumulates raw bytes in a growing buffer and peels off frames
// as they complete. Text frames go to the handler; close tears the
// connection down; ping elicits an immediate empty pong. Continuation,
// binary, and pong frames are discarded.
func (c *wireConn) readLoop(h connHandler) {
	defer func() {
		c.shutdown()
		h.HandleDisconnect(c)
	}()

	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)

	for {
		n, err := c.br.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			for {
				frame, consumed, derr := decodeFrame(buf)
				if derr != nil {
					return
				}
				if consumed == 0 {
					break
				}
				buf = append(buf[:0], buf[consumed:]...)

				switch frame.opcode {
				case opText:
					h.HandleText(c, frame.payload)
				case opClose:
					return
				case opPing:
					c.pong()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// serveWebSocket upgrades the request by hand: validate headers, answer
// with 101 Switching Protocols carrying the computed accept key, then hand
// the hijacked socket to the read/write loops.
func serveWebSocket(cfg *Config, h connHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		key, err := checkUpgrade(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "connection cannot be hijacked", http.StatusInternalServerError)

			return
		}

		nc, brw, err := hj.Hijack()
		if err != nil {
			logf(cfg, "WS: hijack failed for %s: %v", realIP(r), err)

			return
		}

		// The outer http.Server deadlines no longer apply once hijacked.
		_ = nc.SetDeadline(time.Time{})

		response := "HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n\r\n"

		if _, err := brw.WriteString(response); err != nil {
			_ = nc.Close()

			return
		}
		if err := brw.Flush(); err != nil {
			_ = nc.Close()

			return
		}

		logf(cfg, "WS: Connection opened by %s", realIP(r))

		c := newWireConn(nc, brw.Reader)

		go c.writeLoop()
		c.readLoop(h)
	}
}
