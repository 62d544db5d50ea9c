package models

// RawFrame is one reassembled capture. Samples always has
// Geometry.RawSamples() elements; only the first Filled were written by
// the current frame, the tail keeps whatever the buffer held before.
type RawFrame struct {
	Number      uint64   `json:"number"`
	TimestampNs int64    `json:"timestamp_ns"`
	Samples     []uint16 `json:"-"`
	Filled      int      `json:"filled"`
	Packets     int      `json:"packets"`

	ShortPackets int `json:"short_packets"`
	SeqGaps      int `json:"seq_gaps"`
}

// NewRawFrame allocates a zeroed frame buffer for g.
func NewRawFrame(g Geometry) *RawFrame {
	return &RawFrame{Samples: make([]uint16, g.RawSamples())}
}

func (RawFrame) CSVHeader() []string {
	return []string{"timestamp_ns", "frame", "filled", "packets", "short_packets", "seq_gaps"}
}

func (f *RawFrame) CSVRow() []string {
	return []string{
		itoa64(f.TimestampNs),
		utoa64(f.Number),
		itoa(f.Filled),
		itoa(f.Packets),
		itoa(f.ShortPackets),
		itoa(f.SeqGaps),
	}
}
