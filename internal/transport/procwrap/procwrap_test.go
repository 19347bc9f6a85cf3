package procwrap

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestHandle() *handle {
	return &handle{
		log:    zap.NewNop(),
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func frameBytes(payloads ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range payloads {
		var prefix [2]byte
		binary.BigEndian.PutUint16(prefix[:], uint16(len(p)))
		buf.Write(prefix[:])
		buf.Write(p)
	}
	return buf.Bytes()
}

func TestReadLoopFraming(t *testing.T) {
	h := newTestHandle()
	f1 := []byte{1, 2, 3}
	f2 := bytes.Repeat([]byte{0xAA}, 64)
	go h.readLoop(bytes.NewReader(frameBytes(f1, f2)))

	got, err := h.ReadFrame(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, f1) {
		t.Errorf("first frame = % x, want % x", got, f1)
	}
	got, err = h.ReadFrame(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, f2) {
		t.Errorf("second frame = % x, want % x", got, f2)
	}
	// stream ended: loop must terminate
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("read loop did not exit at EOF")
	}
}

func TestReadLoopRejectsBadLength(t *testing.T) {
	h := newTestHandle()
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], maxFrameLen+1)
	go h.readLoop(bytes.NewReader(prefix[:]))
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("read loop accepted an oversized length prefix")
	}
}

func TestReadFrameTimeout(t *testing.T) {
	h := newTestHandle()
	r, w := io.Pipe()
	defer w.Close()
	go h.readLoop(r)

	start := time.Now()
	frame, err := h.ReadFrame(50 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if frame != nil {
		t.Errorf("expected nil frame on timeout, got % x", frame)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestScanListsConfiguredEndpoints(t *testing.T) {
	a := New(zap.NewNop(), []Endpoint{
		{ID: "replay0", Argv: []string{"replay", "file.bin"}, Serial: "SN20150101000001", Product: "Orion+"},
	})
	tds, err := a.Scan(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tds) != 1 {
		t.Fatalf("got %d endpoints, want 1", len(tds))
	}
	if tds[0].Path != "replay0" || tds[0].Serial != "SN20150101000001" {
		t.Errorf("unexpected descriptor %+v", tds[0])
	}
}
