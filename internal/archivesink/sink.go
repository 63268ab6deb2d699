// Package archivesink is a minimal file-based beacon.Sink used only by
// this module's own tests to exercise the Log-and-record round trip
// (spec.md S1). It is NOT the MCAP writer — the real on-disk format is an
// external, out-of-scope collaborator per spec.md §1; this sink exists
// solely so the test suite can assert on a concrete Sink implementor
// without depending on that external writer.
package archivesink

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/beaconviz/beacon-go"
)

// Record is one archived message: its topic, raw payload bytes, and
// resolved metadata, newline-delimited-JSON encoded to the backing file.
type Record struct {
	Topic       string `json:"topic"`
	Data        []byte `json:"data"`
	LogTime     uint64 `json:"logTime"`
	PublishTime uint64 `json:"publishTime"`
	Sequence    uint32 `json:"sequence"`
}

// Sink appends one Record per Log call to a newline-delimited JSON file.
type Sink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

// New creates (or truncates) path and returns a Sink writing to it.
func New(path string) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	return &Sink{f: f, w: w, enc: json.NewEncoder(w)}, nil
}

// Log appends one Record for ch's message.
func (s *Sink) Log(ch beacon.Channel, data []byte, meta beacon.ResolvedMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(Record{
		Topic:       ch.Topic(),
		Data:        data,
		LogTime:     meta.LogTime,
		PublishTime: meta.PublishTime,
		Sequence:    meta.Sequence,
	})
}

func (s *Sink) AddChannel(beacon.Channel)    {}
func (s *Sink) RemoveChannel(beacon.Channel) {}

// Close flushes buffered records and closes the backing file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}

// ReadAll reads every Record back from path, for test assertions.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	dec := json.NewDecoder(f)
	for dec.More() {
		var r Record
		if err := dec.Decode(&r); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}
