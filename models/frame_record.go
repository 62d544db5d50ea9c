package models

// FrameRecord is the per-frame document relayed to the calibration server.
// Field names are fixed by the server.
type FrameRecord struct {
	Node        string  `json:"Node"`
	FrameNumber uint64  `json:"Frame Number"`
	ElapsedMs   int64   `json:"Elapsed Time (ms)"`
	Angle       float64 `json:"Angle"`
	Range       float64 `json:"Range"`
}

// NewFrameRecord builds a relay record from an estimate.
func NewFrameRecord(node string, e *Estimate) FrameRecord {
	return FrameRecord{
		Node:        node,
		FrameNumber: e.FrameNumber,
		ElapsedMs:   int64(e.ElapsedMs),
		Angle:       e.Angle,
		Range:       e.Range,
	}
}

func (FrameRecord) CSVHeader() []string {
	return []string{"node", "frame", "elapsed_ms", "angle", "range"}
}

func (r *FrameRecord) CSVRow() []string {
	return []string{r.Node, utoa64(r.FrameNumber), itoa64(r.ElapsedMs), ftoa(r.Angle, 2), ftoa(r.Range, 4)}
}
