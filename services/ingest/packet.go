package ingest

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"radar-node/models"
	"radar-node/utils"
)

// HeaderBytes is the capture-card datagram header: a 4-byte sequence
// number and a 6-byte cumulative byte count, both little endian.
const HeaderBytes = 10

// PacketHeader is the decoded datagram header. Neither field is used to
// place samples; they only feed diagnostics.
type PacketHeader struct {
	Seq       uint32
	ByteCount uint64
}

// ParseHeader decodes the first HeaderBytes of b.
func ParseHeader(b []byte) (PacketHeader, bool) {
	if len(b) < HeaderBytes {
		return PacketHeader{}, false
	}
	var cnt [8]byte
	copy(cnt[:6], b[4:10])
	return PacketHeader{
		Seq:       binary.LittleEndian.Uint32(b[0:4]),
		ByteCount: binary.LittleEndian.Uint64(cnt[:]),
	}, true
}

// Put encodes h into the first HeaderBytes of b.
func (h PacketHeader) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Seq)
	var cnt [8]byte
	binary.LittleEndian.PutUint64(cnt[:], h.ByteCount)
	copy(b[4:10], cnt[:6])
}

// AssemblerStats are running totals across all frames.
type AssemblerStats struct {
	Packets  uint64
	Short    uint64
	Oversize uint64
	SeqGaps  uint64
	Frames   uint64
}

// Assembler places datagram payloads into a frame buffer by arrival
// order. It trusts an ordered link: the n-th packet of a frame always lands
// at n*samplesPerPacket, whatever its sequence number says.
type Assembler struct {
	payloadBytes     int
	samplesPerPacket int
	clippedBytes     int

	packetsRead int
	lastSeq     uint32
	haveSeq     bool

	frameShort int
	frameGaps  int
	stats      AssemblerStats
}

// NewAssembler sizes the reassembly for g. The frame is clipped to a whole
// number of packets; trailing samples of the true frame are never filled.
func NewAssembler(g models.Geometry, payloadBytes int) (*Assembler, error) {
	if payloadBytes <= 0 || payloadBytes%2 != 0 {
		return nil, fmt.Errorf("%w: payload of %d bytes", utils.ErrConfigInvalid, payloadBytes)
	}
	clipped := g.FrameBytes() / payloadBytes * payloadBytes
	if clipped == 0 {
		return nil, fmt.Errorf("%w: frame of %d bytes is smaller than one %d byte packet",
			utils.ErrConfigInvalid, g.FrameBytes(), payloadBytes)
	}
	return &Assembler{
		payloadBytes:     payloadBytes,
		samplesPerPacket: payloadBytes / 2,
		clippedBytes:     clipped,
	}, nil
}

// PacketsPerFrame is the number of datagrams that make one frame.
func (a *Assembler) PacketsPerFrame() int { return a.clippedBytes / a.payloadBytes }

// ClippedBytes is the frame size rounded down to whole packets.
func (a *Assembler) ClippedBytes() int { return a.clippedBytes }

// ClippedSamples is ClippedBytes in uint16 samples.
func (a *Assembler) ClippedSamples() int { return a.clippedBytes / 2 }

// PacketsRead is the number of datagrams placed in the current frame.
func (a *Assembler) PacketsRead() int { return a.packetsRead }

// Append copies one datagram's payload into frame. Short and oversize
// datagrams are counted and still occupy one packet slot.
func (a *Assembler) Append(frame []uint16, datagram []byte) {
	atomic.AddUint64(&a.stats.Packets, 1)
	h, ok := ParseHeader(datagram)
	if ok {
		if a.haveSeq && h.Seq != a.lastSeq+1 {
			atomic.AddUint64(&a.stats.SeqGaps, 1)
			a.frameGaps++
		}
		a.lastSeq, a.haveSeq = h.Seq, true
	}

	var payload []byte
	if len(datagram) > HeaderBytes {
		payload = datagram[HeaderBytes:]
	}
	switch {
	case len(payload) > a.payloadBytes:
		atomic.AddUint64(&a.stats.Oversize, 1)
		payload = payload[:a.payloadBytes]
	case len(payload) < a.payloadBytes:
		atomic.AddUint64(&a.stats.Short, 1)
		a.frameShort++
	}

	off := a.packetsRead * a.samplesPerPacket
	for i := 0; i+1 < len(payload) && off < len(frame); i += 2 {
		frame[off] = binary.LittleEndian.Uint16(payload[i:])
		off++
	}
	a.packetsRead++
}

// Complete reports whether the current frame is whole. It returns true
// exactly once per frame and starts the next one.
func (a *Assembler) Complete() bool {
	if a.packetsRead == 0 || (a.packetsRead*a.payloadBytes)%a.clippedBytes != 0 {
		return false
	}
	a.packetsRead = 0
	atomic.AddUint64(&a.stats.Frames, 1)
	return true
}

// TakeFrameDiagnostics returns and clears the per-frame short/gap counts.
func (a *Assembler) TakeFrameDiagnostics() (short, gaps int) {
	short, gaps = a.frameShort, a.frameGaps
	a.frameShort, a.frameGaps = 0, 0
	return short, gaps
}

// Reset abandons a partially assembled frame.
func (a *Assembler) Reset() {
	a.packetsRead = 0
	a.frameShort, a.frameGaps = 0, 0
}

// Stats may be called from any goroutine.
func (a *Assembler) Stats() AssemblerStats {
	return AssemblerStats{
		Packets:  atomic.LoadUint64(&a.stats.Packets),
		Short:    atomic.LoadUint64(&a.stats.Short),
		Oversize: atomic.LoadUint64(&a.stats.Oversize),
		SeqGaps:  atomic.LoadUint64(&a.stats.SeqGaps),
		Frames:   atomic.LoadUint64(&a.stats.Frames),
	}
}
