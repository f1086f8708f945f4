package claimpacket

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// Writer streams a packet into a ZIP archive. Entries are written in the
// order they are added; every entry carries the same modification time.
type Writer struct {
	zw       *zip.Writer
	modified time.Time
}

func NewWriter(w io.Writer, modified time.Time) *Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	return &Writer{zw: zw, modified: modified.UTC()}
}

func (w *Writer) create(name string, method uint16) (io.Writer, error) {
	return w.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: w.modified,
	})
}

// AddBytes stores b compressed.
func (w *Writer) AddBytes(name string, b []byte) error {
	f, err := w.create(name, zip.Deflate)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// AddJSON stores v as indented JSON.
func (w *Writer) AddJSON(name string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return w.AddBytes(name, buf.Bytes())
}

// AddStream copies r uncompressed (evidence media is already compressed)
// and returns the SHA-256 and length of what was written.
func (w *Writer) AddStream(name string, r io.Reader) (string, int64, error) {
	f, err := w.create(name, zip.Store)
	if err != nil {
		return "", 0, fmt.Errorf("create %s: %w", name, err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		return "", n, fmt.Errorf("write %s: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func (w *Writer) AddReadme() error {
	return w.AddBytes(ReadmeFile, []byte(readme))
}

func (w *Writer) Close() error {
	return w.zw.Close()
}
