package views

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"radar-node/models"
)

func TestRecordKinds(t *testing.T) {
	if RecordEstimates.FileName() != "estimates.csv" || RecordRelay.String() != "relay" {
		t.Errorf("names: %s %s", RecordEstimates.FileName(), RecordRelay)
	}
	if RecordKind(9).String() != "unknown" {
		t.Error("unknown kind has a name")
	}
	e := &models.Estimate{FrameNumber: 3, Estimator: "mvdr"}
	if !ValidRow(RecordEstimates, e.CSVRow()) {
		t.Error("estimate row does not match its schema")
	}
	if ValidRow(RecordRelay, e.CSVRow()) {
		t.Error("estimate row accepted as relay row")
	}
}

func TestCSVWriterFlushAndClose(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRecordWriter(dir, RecordRelay, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	rec := models.FrameRecord{Node: "Patrick", FrameNumber: 1, ElapsedMs: 12, Angle: -3.5, Range: 1.25}
	w.Write(&rec)
	w.Write(&rec)
	if w.Rows() != 2 {
		t.Errorf("rows = %d", w.Rows())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "relay.csv"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 || lines[0] != "node,frame,elapsed_ms,angle,range" {
		t.Fatalf("file = %q", data)
	}
	if !strings.HasPrefix(lines[1], "Patrick,1,12,") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestCSVWriterBadDir(t *testing.T) {
	if _, err := NewRecordWriter(filepath.Join(t.TempDir(), "missing"), RecordFrames, 0, true); err == nil {
		t.Error("writer created in a missing directory")
	}
}

func TestFrameDumpRoundTrip(t *testing.T) {
	g := models.Geometry{TX: 1, RX: 2, FastTime: 4, SlowTime: 2}
	path := filepath.Join(t.TempDir(), FrameDumpName)
	w, err := CreateFrameDump(path, g)
	if err != nil {
		t.Fatal(err)
	}
	f := models.NewRawFrame(g)
	for n := uint64(1); n <= 3; n++ {
		for i := range f.Samples {
			f.Samples[i] = uint16(n*100) + uint16(i)
		}
		f.Number, f.TimestampNs, f.Filled = n, int64(n)*1000, len(f.Samples)
		if err := w.WriteFrame(f); err != nil {
			t.Fatal(err)
		}
	}
	if w.Frames() != 3 {
		t.Errorf("frames = %d", w.Frames())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenFrameDump(path, g)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	for pass := 0; pass < 2; pass++ {
		for n := uint64(1); n <= 3; n++ {
			if err := r.ReadFrame(f); err != nil {
				t.Fatalf("pass %d frame %d: %v", pass, n, err)
			}
			if f.Number != n || f.TimestampNs != int64(n)*1000 || f.Samples[5] != uint16(n*100)+5 {
				t.Errorf("pass %d frame %d: number=%d ts=%d s5=%d", pass, n, f.Number, f.TimestampNs, f.Samples[5])
			}
		}
		if err := r.ReadFrame(f); !errors.Is(err, io.EOF) {
			t.Fatalf("after last frame: %v", err)
		}
		if err := r.Rewind(); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := OpenFrameDump(path, models.Geometry{TX: 2, RX: 2, FastTime: 4, SlowTime: 2}); !errors.Is(err, ErrDumpFormat) {
		t.Errorf("geometry mismatch: %v", err)
	}
}

func testResult() *models.FrameResult {
	return &models.FrameResult{
		Estimate: models.Estimate{FrameNumber: 42, Range: 1.5, Angle: -12, Detected: true},
		Rows:     2,
		Cols:     3,
		RDM:      []float64{0, 12.4, 255, 300, -1, math.NaN()},
	}
}

func TestDisplayEncode(t *testing.T) {
	msg := NewDisplayHub(false).Encode(testResult())
	if string(msg[:3]) != "RDM" || msg[3] != DisplayDetected {
		t.Fatalf("header %q flags %d", msg[:3], msg[3])
	}
	if binary.LittleEndian.Uint64(msg[4:]) != 42 ||
		binary.LittleEndian.Uint16(msg[12:]) != 2 || binary.LittleEndian.Uint16(msg[14:]) != 3 {
		t.Error("frame/rows/cols mismatch")
	}
	if math.Float32frombits(binary.LittleEndian.Uint32(msg[16:])) != 1.5 ||
		math.Float32frombits(binary.LittleEndian.Uint32(msg[20:])) != -12 {
		t.Error("range/angle mismatch")
	}
	want := []byte{0, 12, 255, 255, 0, 0}
	if string(msg[DisplayHeaderBytes:]) != string(want) {
		t.Errorf("body = %v, want %v", msg[DisplayHeaderBytes:], want)
	}

	hub := NewDisplayHub(true)
	defer hub.Close()
	msg = hub.Encode(testResult())
	if msg[3]&DisplayCompressed == 0 {
		t.Fatal("compressed flag not set")
	}
	dec, _ := zstd.NewReader(nil)
	defer dec.Close()
	body, err := dec.DecodeAll(msg[DisplayHeaderBytes:], nil)
	if err != nil || string(body) != string(want) {
		t.Errorf("decoded body %v, %v", body, err)
	}
}

func TestDisplayHubBroadcast(t *testing.T) {
	hub := NewDisplayHub(false)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients() != 1 {
		t.Fatalf("clients = %d", hub.Clients())
	}

	hub.Broadcast(testResult())
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if kind != websocket.BinaryMessage || len(msg) != DisplayHeaderBytes+6 {
		t.Errorf("kind=%d len=%d", kind, len(msg))
	}
	if sent, dropped := hub.Stats(); sent != 1 || dropped != 0 {
		t.Errorf("sent=%d dropped=%d", sent, dropped)
	}

	hub.Close()
	if hub.Clients() != 0 {
		t.Error("clients left after Close")
	}
}
