package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestAcceptKey(t *testing.T) {
	// Canonical vector from RFC 6455 section 1.3.
	got := acceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="

	if got != want {
		t.Errorf("acceptKey() = %q, want %q", got, want)
	}
}

func TestCheckUpgrade(t *testing.T) {
	valid := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Connection", "keep-alive, Upgrade")
		r.Header.Set("Upgrade", "websocket")
		r.Header.Set("Sec-WebSocket-Version", "13")
		r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
		return r
	}

	r := valid()
	key, err := checkUpgrade(r)
	if err != nil {
		t.Fatalf("checkUpgrade() on valid request: %v", err)
	}
	if key != "dGhlIHNhbXBsZSBub25jZQ==" {
		t.Errorf("checkUpgrade() key = %q", key)
	}

	tests := []struct {
		name   string
		mutate func(r *http.Request)
	}{
		{"wrong method", func(r *http.Request) { r.Method = http.MethodPost }},
		{"missing connection header", func(r *http.Request) { r.Header.Del("Connection") }},
		{"missing upgrade header", func(r *http.Request) { r.Header.Del("Upgrade") }},
		{"wrong version", func(r *http.Request) { r.Header.Set("Sec-WebSocket-Version", "8") }},
		{"missing key", func(r *http.Request) { r.Header.Del("Sec-WebSocket-Key") }},
	}

	for _, tc := range tests {
		r := valid()
		tc.mutate(r)
		if _, err := checkUpgrade(r); err == nil {
			t.Errorf("checkUpgrade() with %s: expected error", tc.name)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	// 10, 200, and 70000 bytes exercise the 7-bit, 16-bit, and 64-bit
	// length encodings respectively.
	tests := []struct {
		length     int
		frameBytes int
	}{
		{10, 2 + 10},
		{200, 4 + 200},
		{70000, 10 + 70000},
	}

	for _, tc := range tests {
		payload := make([]byte, tc.length)
		for i := range payload {
			payload[i] = byte(i % 251)
		}

		frame := encodeFrame(opText, payload)
		if len(frame) != tc.frameBytes {
			t.Errorf("encodeFrame(%d bytes) produced %d bytes, want %d", tc.length, len(frame), tc.frameBytes)
		}
		if frame[0] != finBit|opText {
			t.Errorf("encodeFrame(%d bytes) first byte = %#x, want %#x", tc.length, frame[0], finBit|opText)
		}
		if frame[1]&maskBit != 0 {
			t.Errorf("encodeFrame(%d bytes) set the mask bit on a server frame", tc.length)
		}

		decoded, consumed, err := decodeFrame(frame)
		if err != nil {
			t.Fatalf("decodeFrame(%d bytes): %v", tc.length, err)
		}
		if consumed != len(frame) {
			t.Errorf("decodeFrame(%d bytes) consumed %d, want %d", tc.length, consumed, len(frame))
		}
		if !decoded.fin || decoded.opcode != opText {
			t.Errorf("decodeFrame(%d bytes) fin=%v opcode=%#x", tc.length, decoded.fin, decoded.opcode)
		}
		if !bytes.Equal(decoded.payload, payload) {
			t.Errorf("decodeFrame(%d bytes) did not reproduce the payload", tc.length)
		}
	}
}

// maskedClientFrame builds a frame the way a client would: masked, with the
// payload XORed against the 4-byte mask.
func maskedClientFrame(opcode byte, mask [4]byte, payload []byte) []byte {
	frame := []byte{finBit | opcode, maskBit | byte(len(payload))}
	frame = append(frame, mask[:]...)
	for i, b := range payload {
		frame = append(frame, b^mask[i%4])
	}
	return frame
}

func TestDecodeFrameMasked(t *testing.T) {
	payload := []byte(`{"type":"start_game"}`)
	mask := [4]byte{0x37, 0xfa, 0x21, 0x3d}

	frame, consumed, err := decodeFrame(maskedClientFrame(opText, mask, payload))
	if err != nil {
		t.Fatalf("decodeFrame(): %v", err)
	}
	if consumed == 0 {
		t.Fatal("decodeFrame() reported incomplete frame")
	}
	if !frame.masked {
		t.Error("decodeFrame() did not report the frame as masked")
	}
	if !bytes.Equal(frame.payload, payload) {
		t.Errorf("decodeFrame() payload = %q, want %q", frame.payload, payload)
	}
}

func TestDecodeFramePartial(t *testing.T) {
	// 300 bytes forces the 16-bit length tier, so the header itself can be
	// truncated mid-field.
	payload := make([]byte, 300)
	mask := [4]byte{1, 2, 3, 4}

	full := []byte{finBit | opText, maskBit | 126, 0x01, 0x2c}
	full = append(full, mask[:]...)
	for i, b := range payload {
		full = append(full, b^mask[i%4])
	}

	for cut := 0; cut < len(full); cut++ {
		_, consumed, err := decodeFrame(full[:cut])
		if err != nil {
			t.Fatalf("decodeFrame() with %d/%d bytes: %v", cut, len(full), err)
		}
		if consumed != 0 {
			t.Fatalf("decodeFrame() with %d/%d bytes consumed %d, want 0", cut, len(full), consumed)
		}
	}

	_, consumed, err := decodeFrame(full)
	if err != nil {
		t.Fatalf("decodeFrame() with complete frame: %v", err)
	}
	if consumed != len(full) {
		t.Errorf("decodeFrame() consumed %d, want %d", consumed, len(full))
	}
}

func TestDecodeFrameTwoFramesBuffered(t *testing.T) {
	first := encodeFrame(opText, []byte("one"))
	second := encodeFrame(opText, []byte("two"))
	buf := append(append([]byte{}, first...), second...)

	frame, consumed, err := decodeFrame(buf)
	if err != nil {
		t.Fatalf("decodeFrame(): %v", err)
	}
	if string(frame.payload) != "one" {
		t.Errorf("first payload = %q, want %q", frame.payload, "one")
	}
	if consumed != len(first) {
		t.Errorf("consumed %d, want %d", consumed, len(first))
	}

	frame, consumed, err = decodeFrame(buf[consumed:])
	if err != nil {
		t.Fatalf("decodeFrame() second frame: %v", err)
	}
	if string(frame.payload) != "two" {
		t.Errorf("second payload = %q, want %q", frame.payload, "two")
	}
	if consumed != len(second) {
		t.Errorf("second frame consumed %d, want %d", consumed, len(second))
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	// Every header declares a 64-bit length past the cap. The latter two
	// set the top bit, which RFC 6455 section 5.2 requires to be zero;
	// they must be rejected before the length narrows to a signed int.
	tests := []struct {
		name   string
		header []byte
	}{
		{"4 GiB", []byte{finBit | opText, 127, 0, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"top bit set", []byte{finBit | opText, 127, 0x80, 0, 0, 0, 0, 0, 0, 0}},
		{"all ones, masked", []byte{finBit | opText, maskBit | 127, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01, 0x02, 0x03, 0x04}},
	}

	for _, tc := range tests {
		_, consumed, err := decodeFrame(tc.header)
		if !errors.Is(err, errFrameTooLarge) {
			t.Errorf("decodeFrame(%s) err = %v, want errFrameTooLarge", tc.name, err)
		}
		if consumed != 0 {
			t.Errorf("decodeFrame(%s) consumed %d, want 0", tc.name, consumed)
		}
	}
}

// recordingHandler captures what the read loop delivers.
type recordingHandler struct {
	mu           sync.Mutex
	texts        []string
	disconnected bool
}

func (h *recordingHandler) HandleText(_ *wireConn, payload []byte) {
	h.mu.Lock()
	h.texts = append(h.texts, string(payload))
	h.mu.Unlock()
}

func (h *recordingHandler) HandleDisconnect(_ *wireConn) {
	h.mu.Lock()
	h.disconnected = true
	h.mu.Unlock()
}

// TestReadLoopDiscardsNonText feeds binary, ping, and text frames through a
// pipe and checks that only the text payload reaches the handler, and that a
// close frame tears the connection down.
func TestReadLoopDiscardsNonText(t *testing.T) {
	client, server := net.Pipe()

	h := &recordingHandler{}
	c := newWireConn(server, bufio.NewReader(server))
	go c.writeLoop()

	done := make(chan struct{})
	go func() {
		c.readLoop(h)
		close(done)
	}()

	// Drain the server's pong so its writer never wedges the pipe.
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	mask := [4]byte{9, 8, 7, 6}
	for _, frame := range [][]byte{
		maskedClientFrame(opBinary, mask, []byte("binary noise")),
		maskedClientFrame(opContinuation, mask, []byte("fragment")),
		maskedClientFrame(opPing, mask, nil),
		maskedClientFrame(opText, mask, []byte("hello")),
		maskedClientFrame(opClose, mask, nil),
	} {
		if _, err := client.Write(frame); err != nil {
			t.Fatalf("Write(): %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit after the close frame")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.texts) != 1 || h.texts[0] != "hello" {
		t.Errorf("handler texts = %q, want [hello]", h.texts)
	}
	if !h.disconnected {
		t.Error("handler never saw the disconnect")
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *app) {
	t.Helper()

	cfg := testConfig()
	a := newApp(cfg)
	errs := make(chan error, 64)
	mux := newRouter(cfg, a, errs)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, a
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage(): %v", err)
	}

	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("Unmarshal(%q): %v", data, err)
	}

	return event
}

// TestWebSocketInterop runs a stock client library against the hand-rolled
// server framing: upgrade handshake, masked client frames in, unmasked
// server frames out.
func TestWebSocketInterop(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"create_lobby","name":"alice"}`))
	if err != nil {
		t.Fatalf("WriteMessage(): %v", err)
	}

	joined := readEvent(t, conn)
	if joined["type"] != "joined" {
		t.Fatalf("first event type = %v, want joined", joined["type"])
	}
	code, _ := joined["code"].(string)
	if len(code) != codeLength {
		t.Errorf("joined code = %q, want %d characters", code, codeLength)
	}
	for _, r := range code {
		if !strings.ContainsRune(codeAlphabet, r) {
			t.Errorf("joined code %q contains %q, not in the code alphabet", code, r)
		}
	}

	update := readEvent(t, conn)
	if update["type"] != "lobby_update" {
		t.Fatalf("second event type = %v, want lobby_update", update["type"])
	}
	players, _ := update["players"].([]any)
	if len(players) != 1 {
		t.Errorf("lobby_update players = %d, want 1", len(players))
	}
}

func TestWebSocketPingPong(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	pong := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("WriteControl(ping): %v", err)
	}

	// Pong delivery requires a concurrent read.
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pong:
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received for ping")
	}
}

func TestWebSocketCloseTriggersCleanup(t *testing.T) {
	srv, a := newTestServer(t)
	conn := dialWS(t, srv)

	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"create_lobby","name":"alice"}`))
	if err != nil {
		t.Fatalf("WriteMessage(): %v", err)
	}
	readEvent(t, conn) // joined
	readEvent(t, conn) // lobby_update

	if got := a.lobbies.count(); got != 1 {
		t.Fatalf("lobby count = %d, want 1", got)
	}

	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for a.lobbies.count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("lobby was not garbage-collected after its only player disconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketRejectsPlainRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("Get(/ws): %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("GET /ws status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}
