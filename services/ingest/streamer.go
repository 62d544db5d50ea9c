package ingest

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Streamer plays the capture card: it cuts frames into header+payload
// datagrams and sends them to a node.
type Streamer struct {
	conn    *net.UDPConn
	payload int
	gap     time.Duration

	seq   uint32
	bytes uint64
}

// DialStreamer connects to the node at addr. gap is the pause between
// datagrams; loopback tests use it to stay under the socket buffer.
func DialStreamer(addr string, payloadBytes int, gap time.Duration) (*Streamer, error) {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp4", nil, ua)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Streamer{
		conn:    conn,
		payload: payloadBytes,
		gap:     gap,
	}, nil
}

// Packetize returns the datagrams for one frame, clipped to whole packets.
func (s *Streamer) Packetize(samples []uint16) [][]byte {
	per := s.payload / 2
	n := len(samples) * 2 / s.payload
	out := make([][]byte, 0, n)
	for p := 0; p < n; p++ {
		d := make([]byte, HeaderBytes+s.payload)
		s.seq++
		s.bytes += uint64(s.payload)
		PacketHeader{Seq: s.seq, ByteCount: s.bytes}.Put(d)
		for i, v := range samples[p*per : (p+1)*per] {
			binary.LittleEndian.PutUint16(d[HeaderBytes+2*i:], v)
		}
		out = append(out, d)
	}
	return out
}

// SendFrame transmits one frame.
func (s *Streamer) SendFrame(ctx context.Context, samples []uint16) error {
	for _, d := range s.Packetize(samples) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.conn.Write(d); err != nil {
			return fmt.Errorf("send packet %d: %w", s.seq, err)
		}
		if s.gap > 0 {
			time.Sleep(s.gap)
		}
	}
	return nil
}

// Send transmits one raw datagram as is.
func (s *Streamer) Send(d []byte) error {
	_, err := s.conn.Write(d)
	return err
}

func (s *Streamer) Close() error { return s.conn.Close() }
