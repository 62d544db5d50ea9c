package models

// IQ is the number of interleaved components per complex sample.
const IQ = 2

// Geometry fixes the shape of one capture frame.
type Geometry struct {
	TX       int `json:"tx"`
	RX       int `json:"rx"`
	FastTime int `json:"fast_time"`
	SlowTime int `json:"slow_time"`
}

// DefaultGeometry is the 3TX x 4RX front-end with 64 chirps of 512 samples.
func DefaultGeometry() Geometry {
	return Geometry{TX: 3, RX: 4, FastTime: 512, SlowTime: 64}
}

// Antennas is the virtual antenna count (TX*RX).
func (g Geometry) Antennas() int { return g.TX * g.RX }

// MapSize is the number of cells in one range-Doppler map.
func (g Geometry) MapSize() int { return g.SlowTime * g.FastTime }

// CubeSize is the number of complex samples across all antennas.
func (g Geometry) CubeSize() int { return g.Antennas() * g.MapSize() }

// RawSamples is the number of uint16 samples in one frame.
func (g Geometry) RawSamples() int { return g.CubeSize() * IQ }

// FrameBytes is the unclipped frame size on the wire.
func (g Geometry) FrameBytes() int { return g.RawSamples() * 2 }

// SampleIndex addresses one raw sample.
type SampleIndex struct {
	Slow int
	TX   int
	Fast int
	IQ   int
	RX   int
}

// Decompose splits a flat device-order index. The front-end emits
// samples as [slow][tx][fast][iq][rx].
func (g Geometry) Decompose(flat int) SampleIndex {
	perChirp := g.RX * IQ * g.FastTime * g.TX
	perTX := g.RX * IQ * g.FastTime
	perFast := g.RX * IQ

	i1 := flat % perChirp
	i2 := i1 % perTX
	i3 := i2 % perFast
	return SampleIndex{
		Slow: flat / perChirp,
		TX:   i1 / perTX,
		Fast: i2 / perFast,
		IQ:   i3 / g.RX,
		RX:   i3 % g.RX,
	}
}

// RawOffset is the inverse of Decompose.
func (g Geometry) RawOffset(ix SampleIndex) int {
	return (((ix.Slow*g.TX+ix.TX)*g.FastTime+ix.Fast)*IQ+ix.IQ)*g.RX + ix.RX
}

// CubeOffset is the position of a sample in the interleaved
// [tx][rx][slow][fast][iq] layout; pairs of floats form one complex value.
func (g Geometry) CubeOffset(ix SampleIndex) int {
	ant := ix.TX*g.RX + ix.RX
	return ((ant*g.SlowTime+ix.Slow)*g.FastTime+ix.Fast)*IQ + ix.IQ
}
