package memstore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"
)

// compressMinBytes is the smallest blob worth compressing.
const compressMinBytes = 256

// encodePayload serializes a payload for size accounting and export.
// Strings and byte slices pass through; everything else is YAML-encoded.
func encodePayload(payload any) []byte {
	switch p := payload.(type) {
	case nil:
		return nil
	case string:
		return []byte(p)
	case []byte:
		return p
	default:
		out, err := yaml.Marshal(p)
		if err != nil {
			return []byte(fmt.Sprintf("%v", p))
		}
		return out
	}
}

// compressAsync attempts to compress the entry's blob on a worker
// goroutine. The attempt is best effort: a timeout, a compression error,
// or a result that is not smaller all leave the entry untouched.
func (m *Manager) compressAsync(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.compressed || len(e.blob) < compressMinBytes {
		m.mu.Unlock()
		return
	}
	src := e.blob
	m.mu.Unlock()

	done := make(chan []byte, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		out, err := gzipBytes(src)
		if err != nil {
			done <- nil
			return
		}
		done <- out
	}()

	select {
	case out := <-done:
		if out == nil || len(out) >= len(src) {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		e, ok := m.entries[id]
		if !ok || e.compressed {
			return
		}
		m.totalBytes -= int64(e.SizeBytes)
		e.blob = out
		e.compressed = true
		e.SizeBytes = len(out)
		m.totalBytes += int64(e.SizeBytes)
	case <-time.After(m.cfg.CompressionTimeout):
		m.log.Debug("compression of %s timed out, keeping raw blob", id)
	}
}

func gzipBytes(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
