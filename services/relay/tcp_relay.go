package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"radar-node/models"
	"radar-node/utils"
)

// EndMarker follows every frame record on the wire.
const EndMarker = "END"

// ErrRecordTooLarge is returned when a record does not fit in one block.
var ErrRecordTooLarge = errors.New("relay: record larger than block")

// TCPRelay streams per-frame records to the calibration server. Every
// message is one zero-padded block of BlockSize bytes: the JSON record, then
// an END block. Closing sends "<node> Demo Complete".
type TCPRelay struct {
	node  string
	block int
	log   *utils.Logger

	mu     sync.Mutex
	conn   net.Conn
	buf    []byte
	sent   uint64
	closed bool
}

// Dial connects to the server at cfg.Address.
func Dial(ctx context.Context, cfg utils.RelayConfig, node string) (*TCPRelay, error) {
	block := cfg.BlockSize
	if block <= 0 {
		block = 1024
	}
	d := net.Dialer{Timeout: time.Duration(cfg.DialTimeoutMs) * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s: %w", cfg.Address, err)
	}
	r := &TCPRelay{
		node:  node,
		block: block,
		log:   utils.L().With("relay"),
		conn:  conn,
		buf:   make([]byte, block),
	}
	r.log.Info("connected to %s  (node=%s, block=%dB)", conn.RemoteAddr(), node, block)
	return r, nil
}

// ReadFrameBudget reads the number of frames the server wants, sent as
// decimal text in a single block. A zero timeout waits indefinitely.
func (r *TCPRelay) ReadFrameBudget(timeout time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timeout > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(timeout))
		defer r.conn.SetReadDeadline(time.Time{})
	}
	clear(r.buf)
	n, err := r.conn.Read(r.buf)
	if err != nil {
		return 0, fmt.Errorf("relay read frame budget: %w", err)
	}
	text := string(bytes.TrimSpace(bytes.TrimRight(r.buf[:n], "\x00")))
	frames, err := strconv.Atoi(text)
	if err != nil || frames < 0 {
		return 0, fmt.Errorf("relay frame budget %q: not a frame count", text)
	}
	r.log.Info("server requested %d frames", frames)
	return frames, nil
}

// Send writes one estimate as a record block followed by an END block.
func (r *TCPRelay) Send(e *models.Estimate) error {
	return r.SendRecord(models.NewFrameRecord(r.node, e))
}

// SendRecord writes rec as a record block followed by an END block.
func (r *TCPRelay) SendRecord(rec models.FrameRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("relay encode frame %d: %w", rec.FrameNumber, err)
	}
	if len(doc) >= r.block {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(doc))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeBlock(doc); err != nil {
		return err
	}
	if err := r.writeBlock([]byte(EndMarker)); err != nil {
		return err
	}
	r.sent++
	return nil
}

func (r *TCPRelay) writeBlock(msg []byte) error {
	clear(r.buf)
	copy(r.buf, msg)
	if _, err := r.conn.Write(r.buf); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

// Sent is the number of records delivered.
func (r *TCPRelay) Sent() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// ExitMessage is the final block sent before the connection closes.
func (r *TCPRelay) ExitMessage() string { return r.node + " Demo Complete" }

// Close sends the exit message and closes the connection.
func (r *TCPRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	werr := r.writeBlock([]byte(r.ExitMessage()))
	cerr := r.conn.Close()
	r.log.Info("connection closed  (records=%d)", r.sent)
	if werr != nil {
		return werr
	}
	return cerr
}
