package views

import (
	"encoding/binary"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"radar-node/models"
	"radar-node/utils"
)

// Display messages are binary websocket frames:
//
//	"RDM" flags:u8 frame:u64 rows:u16 cols:u16 range:f32 angle:f32 body
//
// body is rows*cols bytes of the range-Doppler map quantized to uint8,
// zstd compressed when flags has DisplayCompressed set.
const (
	DisplayHeaderBytes      = 24
	DisplayCompressed  byte = 1
	DisplayDetected    byte = 2
)

const clientQueue = 4

type displayClient struct {
	conn *websocket.Conn
	send chan []byte
}

// writePump drains the client's queue until it is closed or a write fails.
func (c *displayClient) writePump(hub *DisplayHub) {
	defer func() {
		hub.remove(c)
		c.conn.Close()
	}()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump discards client input and notices disconnects.
func (c *displayClient) readPump(hub *DisplayHub) {
	defer hub.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// DisplayHub streams range-Doppler maps to browser clients. Slow clients
// lose frames; the hub never blocks the publisher.
type DisplayHub struct {
	upgrader websocket.Upgrader
	compress bool
	enc      *zstd.Encoder
	log      *utils.Logger

	mu      sync.RWMutex
	clients map[*displayClient]bool

	sent    uint64
	dropped uint64
}

func NewDisplayHub(compress bool) *DisplayHub {
	h := &DisplayHub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
		},
		compress: compress,
		log:      utils.L().With("display"),
		clients:  make(map[*displayClient]bool),
	}
	if compress {
		h.enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	}
	return h
}

// ServeHTTP upgrades the request and registers the client.
func (h *DisplayHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	c := &displayClient{conn: conn, send: make(chan []byte, clientQueue)}
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("client %s connected  (clients=%d)", r.RemoteAddr, n)

	go c.writePump(h)
	go c.readPump(h)
}

// remove closes the client's queue once; writePump then exits.
func (h *DisplayHub) remove(c *displayClient) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Clients is the number of connected clients.
func (h *DisplayHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes r once and queues it for every client.
func (h *DisplayHub) Broadcast(r *models.FrameResult) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	msg := h.Encode(r)
	for c := range h.clients {
		select {
		case c.send <- msg:
			atomic.AddUint64(&h.sent, 1)
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// Encode renders one display message.
func (h *DisplayHub) Encode(r *models.FrameResult) []byte {
	body := make([]byte, len(r.RDM))
	for i, v := range r.RDM {
		body[i] = quantizeByte(v)
	}
	var flags byte
	if r.Detected {
		flags |= DisplayDetected
	}
	if h.enc != nil {
		body = h.enc.EncodeAll(body, nil)
		flags |= DisplayCompressed
	}
	msg := make([]byte, DisplayHeaderBytes, DisplayHeaderBytes+len(body))
	copy(msg, "RDM")
	msg[3] = flags
	binary.LittleEndian.PutUint64(msg[4:], r.FrameNumber)
	binary.LittleEndian.PutUint16(msg[12:], uint16(r.Rows))
	binary.LittleEndian.PutUint16(msg[14:], uint16(r.Cols))
	binary.LittleEndian.PutUint32(msg[16:], math.Float32bits(float32(r.Range)))
	binary.LittleEndian.PutUint32(msg[20:], math.Float32bits(float32(r.Angle)))
	return append(msg, body...)
}

// Stats returns messages queued and messages dropped for slow clients.
func (h *DisplayHub) Stats() (sent, dropped uint64) {
	return atomic.LoadUint64(&h.sent), atomic.LoadUint64(&h.dropped)
}

// Close disconnects every client.
func (h *DisplayHub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if h.enc != nil {
		_ = h.enc.Close()
	}
}

func quantizeByte(v float64) byte {
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= 255:
		return 255
	}
	return byte(math.Round(v))
}
