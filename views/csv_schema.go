package views

import "radar-node/models"

// RecordKind identifies one of the files a recording session writes.
type RecordKind int

const (
	RecordEstimates RecordKind = iota
	RecordFrames
	RecordRelay
)

var recordNames = map[RecordKind]string{
	RecordEstimates: "estimates",
	RecordFrames:    "frames",
	RecordRelay:     "relay",
}

func (k RecordKind) String() string {
	if n, ok := recordNames[k]; ok {
		return n
	}
	return "unknown"
}

// FileName is the CSV file for k inside a session directory.
func (k RecordKind) FileName() string { return k.String() + ".csv" }

// FrameDumpName is the compressed raw-frame capture inside a session.
const FrameDumpName = "frames.rfz"

// SchemaColumns is the header row for each record kind, taken from the
// model that produces the rows.
var SchemaColumns = map[RecordKind][]string{
	RecordEstimates: models.Estimate{}.CSVHeader(),
	RecordFrames:    models.RawFrame{}.CSVHeader(),
	RecordRelay:     models.FrameRecord{}.CSVHeader(),
}

// ValidRow reports whether row has the column count of kind k.
func ValidRow(k RecordKind, row []string) bool {
	cols, ok := SchemaColumns[k]
	return ok && len(cols) == len(row)
}
