package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"radar-node/models"
	"radar-node/services/stage"
	"radar-node/utils"
)

// UDPReader is the source stage fed by the capture card. Each Process call
// fills one frame buffer from the handoff and publishes it.
//
// The socket is closed once a frame completes and bound again before the
// next frame's first receive, unless KeepSocketOpen is set. Datagrams that
// arrive in between are lost.
type UDPReader struct {
	cfg utils.IngestConfig
	g   models.Geometry
	out *stage.Handoff[*models.RawFrame]
	asm *Assembler
	log *utils.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	port    int
	scratch []byte

	frames   uint64
	stalls   uint64
	opens    uint64
	rxErrors uint64
}

// UDPStats is a snapshot of ingest counters.
type UDPStats struct {
	AssemblerStats
	Stalls      uint64
	SocketOpens uint64
	RxErrors    uint64
}

func NewUDPReader(cfg utils.IngestConfig, g models.Geometry, out *stage.Handoff[*models.RawFrame]) (*UDPReader, error) {
	asm, err := NewAssembler(g, cfg.PayloadBytes)
	if err != nil {
		return nil, err
	}
	size := cfg.MaxDatagram
	if size < HeaderBytes+cfg.PayloadBytes {
		size = HeaderBytes + cfg.PayloadBytes
	}
	return &UDPReader{
		cfg:     cfg,
		g:       g,
		out:     out,
		asm:     asm,
		log:     utils.L().With("ingest"),
		port:    cfg.Port,
		scratch: make([]byte, size),
	}, nil
}

func (r *UDPReader) Name() string { return "ingest" }

// Process reads one whole frame into a buffer taken from the handoff.
func (r *UDPReader) Process(ctx context.Context) error {
	frame, err := r.out.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := r.ReadFrame(ctx, frame); err != nil {
		r.out.Release(frame)
		return err
	}
	r.out.Publish(frame)
	return nil
}

// Open binds the socket now instead of on the first receive.
func (r *UDPReader) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openSocket()
}

// Addr is the bound address, or nil while the socket is closed.
func (r *UDPReader) Addr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Port is the UDP port frames are received on. With port 0 in the config
// it becomes the kernel-chosen port after the first bind.
func (r *UDPReader) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

func (r *UDPReader) openSocket() error {
	if r.conn != nil {
		return nil
	}
	addr := net.JoinHostPort(r.cfg.BindAddress, strconv.Itoa(r.port))
	conn, err := listenUDP(addr)
	if err != nil {
		return fmt.Errorf("%w: bind udp %s: %v", stage.ErrFatalSetup, addr, err)
	}
	if r.cfg.ReadBufferKB > 0 {
		if err := conn.SetReadBuffer(r.cfg.ReadBufferKB * 1024); err != nil {
			r.log.Warn("set read buffer to %dKB: %v", r.cfg.ReadBufferKB, err)
		}
	}
	r.conn = conn
	r.port = conn.LocalAddr().(*net.UDPAddr).Port
	n := atomic.AddUint64(&r.opens, 1)
	if n == 1 {
		r.log.Info("listening on %s  (packets/frame=%d, clipped=%dB)",
			conn.LocalAddr(), r.asm.PacketsPerFrame(), r.asm.ClippedBytes())
	}
	return nil
}

func (r *UDPReader) closeSocket() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

// Close releases the socket.
func (r *UDPReader) Close() { r.closeSocket() }

// ReadFrame blocks until a whole frame has been assembled into frame.
// Only cancellation or a bind failure end it early.
func (r *UDPReader) ReadFrame(ctx context.Context, frame *models.RawFrame) error {
	for {
		err := r.readFrame(ctx, frame)
		if err == nil || ctx.Err() != nil || stage.IsFatal(err) {
			return err
		}
		// Socket-level receive failure: drop the partial frame and rebind.
		atomic.AddUint64(&r.rxErrors, 1)
		r.log.Error("receive failed, restarting frame: %v", err)
		r.asm.Reset()
		r.closeSocket()
	}
}

func (r *UDPReader) readFrame(ctx context.Context, frame *models.RawFrame) error {
	r.mu.Lock()
	if err := r.openSocket(); err != nil {
		r.mu.Unlock()
		return err
	}
	conn := r.conn
	r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		n, err := r.receiveOnePacket(ctx, conn)
		if err != nil {
			return err
		}
		r.asm.Append(frame.Samples, r.scratch[:n])
		if r.frameComplete(frame) {
			break
		}
	}

	if !r.cfg.KeepSocketOpen {
		r.closeSocket()
	}
	return nil
}

// receiveOnePacket blocks for one datagram. With a stall interval
// configured, every silent interval is reported as ErrIngestStall and the
// wait simply continues.
func (r *UDPReader) receiveOnePacket(ctx context.Context, conn *net.UDPConn) (int, error) {
	stall := time.Duration(r.cfg.StallWarnMs) * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if stall > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(stall))
		}
		n, _, err := conn.ReadFromUDP(r.scratch)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		var ne net.Error
		if stall > 0 && errors.As(err, &ne) && ne.Timeout() {
			c := atomic.AddUint64(&r.stalls, 1)
			r.log.Warn("%v  (%s, packet %d of frame %d, stalls=%d)",
				stage.ErrIngestStall, stall, r.asm.PacketsRead(), atomic.LoadUint64(&r.frames)+1, c)
			continue
		}
		return 0, fmt.Errorf("read udp: %w", err)
	}
}

func (r *UDPReader) frameComplete(frame *models.RawFrame) bool {
	packets := r.asm.PacketsRead()
	if !r.asm.Complete() {
		return false
	}
	short, gaps := r.asm.TakeFrameDiagnostics()
	frame.Number = atomic.AddUint64(&r.frames, 1)
	frame.TimestampNs = utils.NowNano()
	frame.Filled = r.asm.ClippedSamples()
	frame.Packets = packets
	frame.ShortPackets = short
	frame.SeqGaps = gaps
	if short > 0 || gaps > 0 {
		r.log.Debug("frame %d: %v  (short=%d gaps=%d)", frame.Number, stage.ErrUnvalidatedPacket, short, gaps)
	}
	return true
}

// Stats returns a snapshot of the ingest counters.
func (r *UDPReader) Stats() UDPStats {
	return UDPStats{
		AssemblerStats: r.asm.Stats(),
		Stalls:         atomic.LoadUint64(&r.stalls),
		SocketOpens:    atomic.LoadUint64(&r.opens),
		RxErrors:       atomic.LoadUint64(&r.rxErrors),
	}
}
