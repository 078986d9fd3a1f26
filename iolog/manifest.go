package iolog

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Manifest records one I/O-log session's metadata alongside the raw
// transcript: the resolved path, the citation that authorized it, and the
// start/end times. Real sudo ships an "index" file per session for exactly
// this purpose; here it is a single zstd-compressed JSON document, the
// SUPPLEMENTED "I/O-log session manifest" feature (not present in the
// distilled spec, grounded on the original's iolog_write_info entry).
type Manifest struct {
	Path      string    `json:"path"`
	User      string    `json:"user"`
	Runas     string    `json:"runas"`
	Host      string    `json:"host"`
	Command   string    `json:"command"`
	Citation  string    `json:"citation"`
	StartedAt int64     `json:"started_at"`
	EndedAt   int64     `json:"ended_at,omitempty"`
}

// WriteManifest writes m as zstd-compressed JSON to w.
func WriteManifest(w io.Writer, m Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ReadManifest decodes a manifest written by [WriteManifest].
func ReadManifest(r io.Reader) (Manifest, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return Manifest{}, err
	}
	defer dec.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, dec); err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
