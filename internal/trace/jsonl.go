// Package trace implements the iteration-stream observers: a JSONL log
// writer and a human-readable terminal printer.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/itsmostafa/rlmgo/internal/rlm"
)

// JSONLWriter renders each metadata and iteration record as one line of
// JSON with a sequence number, an ISO-8601 timestamp, and a type tag.
type JSONLWriter struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

type jsonlLine struct {
	Seq       int            `json:"seq"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Metadata  *rlm.Metadata  `json:"metadata,omitempty"`
	Iteration *rlm.Iteration `json:"iteration,omitempty"`
}

// NewJSONLWriter writes records to w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w}
}

// OpenJSONLFile creates (or truncates) a log file at path.
func OpenJSONLFile(path string) (*JSONLWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &JSONLWriter{w: f, c: f}, nil
}

// OnMetadata writes the completion's metadata record.
func (j *JSONLWriter) OnMetadata(meta *rlm.Metadata) {
	j.write(jsonlLine{Type: "metadata", Metadata: meta})
}

// OnIteration writes one iteration record.
func (j *JSONLWriter) OnIteration(seq int, it *rlm.Iteration) {
	j.write(jsonlLine{Seq: seq, Type: "iteration", Iteration: it})
}

func (j *JSONLWriter) write(line jsonlLine) {
	line.TS = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.w.Write(append(data, '\n'))
}

// Close closes the underlying file, if the writer owns one.
func (j *JSONLWriter) Close() error {
	if j.c == nil {
		return nil
	}
	return j.c.Close()
}
