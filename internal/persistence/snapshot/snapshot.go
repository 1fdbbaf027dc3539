package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	TickRateHz         int  `json:"tick_rate_hz"`
	SnapshotEveryTicks int  `json:"snapshot_every_ticks,omitempty"`
	OpaqueFacades      bool `json:"opaque_facades,omitempty"`
	IdleStep           int  `json:"idle_step,omitempty"`
	FasterStep         int  `json:"faster_step,omitempty"`

	Hosts    []HostV1    `json:"hosts"`
	Blocked  []BlockedV1 `json:"blocked,omitempty"`
	Signals  []SignalV1  `json:"signals,omitempty"`
	Trackers []TrackerV1 `json:"trackers,omitempty"`
}

// HostV1 carries one host document as JSON, so device data keeps its
// dynamic shape inside the gob stream.
type HostV1 struct {
	Pos [3]int          `json:"pos"`
	Doc json.RawMessage `json:"doc"`
}

type BlockedV1 struct {
	Pos   [3]int `json:"pos"`
	Faces uint8  `json:"faces"`
}

type SignalV1 struct {
	Pos   [3]int `json:"pos"`
	Level int    `json:"level"`
}

// TrackerV1 is the tick schedule of the device in Slot of the host at Pos.
type TrackerV1 struct {
	Pos      [3]int `json:"pos"`
	Slot     string `json:"slot"`
	Rate     int    `json:"rate"`
	LastTick int64  `json:"last_tick"`
	Awake    bool   `json:"awake"`
}

// WriteSnapshot writes a zstd stream holding the JSON header line followed by
// the gob-encoded snapshot.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Path is the conventional location of the snapshot taken at tick.
func Path(worldDir string, tick uint64) string {
	return filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.snap.zst", tick))
}
