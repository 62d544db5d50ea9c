package views

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"radar-node/models"
)

// Raw frame dumps are a zstd stream holding a file header followed by one
// record per frame:
//
//	file:   "RFZ1" tx:u16 rx:u16 fast:u16 slow:u16
//	frame:  number:u64 timestamp_ns:i64 filled:u32 samples:[RawSamples]u16
//
// All integers are little endian.
var dumpMagic = [4]byte{'R', 'F', 'Z', '1'}

const (
	dumpFileHeader  = 12
	dumpFrameHeader = 20
)

// ErrDumpFormat is returned for files that are not frame dumps or whose
// geometry does not match the reader's.
var ErrDumpFormat = errors.New("not a raw frame dump")

// FrameDumpWriter appends raw frames to a compressed dump file.
type FrameDumpWriter struct {
	mu     sync.Mutex
	file   *os.File
	enc    *zstd.Encoder
	g      models.Geometry
	frames uint64
	buf    []byte
}

// CreateFrameDump creates path and writes the file header for g.
func CreateFrameDump(path string, g models.Geometry) (*FrameDumpWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("frame dump create %s: %w", path, err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("frame dump encoder: %w", err)
	}
	var hdr [dumpFileHeader]byte
	copy(hdr[:4], dumpMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:], uint16(g.TX))
	binary.LittleEndian.PutUint16(hdr[6:], uint16(g.RX))
	binary.LittleEndian.PutUint16(hdr[8:], uint16(g.FastTime))
	binary.LittleEndian.PutUint16(hdr[10:], uint16(g.SlowTime))
	if _, err := enc.Write(hdr[:]); err != nil {
		enc.Close()
		f.Close()
		return nil, fmt.Errorf("frame dump header: %w", err)
	}
	return &FrameDumpWriter{
		file: f,
		enc:  enc,
		g:    g,
		buf:  make([]byte, dumpFrameHeader+2*g.RawSamples()),
	}, nil
}

// WriteFrame appends one frame. Only the first RawSamples samples are kept.
func (w *FrameDumpWriter) WriteFrame(f *models.RawFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.g.RawSamples()
	if len(f.Samples) < n {
		return fmt.Errorf("frame %d has %d samples, want %d", f.Number, len(f.Samples), n)
	}
	b := w.buf
	binary.LittleEndian.PutUint64(b[0:], f.Number)
	binary.LittleEndian.PutUint64(b[8:], uint64(f.TimestampNs))
	binary.LittleEndian.PutUint32(b[16:], uint32(f.Filled))
	for i, v := range f.Samples[:n] {
		binary.LittleEndian.PutUint16(b[dumpFrameHeader+2*i:], v)
	}
	if _, err := w.enc.Write(b); err != nil {
		return fmt.Errorf("frame dump write: %w", err)
	}
	w.frames++
	return nil
}

// Frames is the number of frames written.
func (w *FrameDumpWriter) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close finishes the zstd stream and closes the file.
func (w *FrameDumpWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.enc.Close()
	if cerr := w.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// FrameDumpReader reads frames back from a dump.
type FrameDumpReader struct {
	file *os.File
	dec  *zstd.Decoder
	r    *bufio.Reader
	g    models.Geometry
	buf  []byte
}

// OpenFrameDump opens path and checks its header against g.
func OpenFrameDump(path string, g models.Geometry) (*FrameDumpReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("frame dump open %s: %w", path, err)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("frame dump decoder: %w", err)
	}
	r := &FrameDumpReader{
		file: f,
		dec:  dec,
		r:    bufio.NewReaderSize(dec, 256*1024),
		g:    g,
		buf:  make([]byte, dumpFrameHeader+2*g.RawSamples()),
	}
	if err := r.readHeader(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *FrameDumpReader) readHeader() error {
	var hdr [dumpFileHeader]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrDumpFormat, err)
	}
	if [4]byte(hdr[:4]) != dumpMagic {
		return ErrDumpFormat
	}
	got := models.Geometry{
		TX:       int(binary.LittleEndian.Uint16(hdr[4:])),
		RX:       int(binary.LittleEndian.Uint16(hdr[6:])),
		FastTime: int(binary.LittleEndian.Uint16(hdr[8:])),
		SlowTime: int(binary.LittleEndian.Uint16(hdr[10:])),
	}
	if got != r.g {
		return fmt.Errorf("%w: geometry %+v, want %+v", ErrDumpFormat, got, r.g)
	}
	return nil
}

// ReadFrame fills dst with the next frame. It returns io.EOF after the
// last whole frame.
func (r *FrameDumpReader) ReadFrame(dst *models.RawFrame) error {
	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}
	b := r.buf
	dst.Number = binary.LittleEndian.Uint64(b[0:])
	dst.TimestampNs = int64(binary.LittleEndian.Uint64(b[8:]))
	dst.Filled = int(binary.LittleEndian.Uint32(b[16:]))
	for i := range dst.Samples[:r.g.RawSamples()] {
		dst.Samples[i] = binary.LittleEndian.Uint16(b[dumpFrameHeader+2*i:])
	}
	return nil
}

// Rewind starts again from the first frame.
func (r *FrameDumpReader) Rewind() error {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := r.dec.Reset(r.file); err != nil {
		return err
	}
	r.r.Reset(r.dec)
	return r.readHeader()
}

func (r *FrameDumpReader) Close() error {
	r.dec.Close()
	return r.file.Close()
}
