// Package export writes checkpoint timelines to portable documents and
// reads them back, optionally zstd-compressed.
package export

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"timebrowse/internal/checkpoint"
	tberrors "timebrowse/internal/errors"
)

// DocumentVersion is the current document schema version
const DocumentVersion = 1

// Formats
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// zstd frame magic, little endian 0xFD2FB528
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Document is an exported timeline
type Document struct {
	Version     int                 `json:"version" yaml:"version"`
	Device      string              `json:"device" yaml:"device"`
	MountPoint  string              `json:"mountPoint,omitempty" yaml:"mountPoint,omitempty"`
	ExportedAt  time.Time           `json:"exportedAt" yaml:"exportedAt"`
	Checkpoints []checkpoint.Record `json:"checkpoints" yaml:"checkpoints"`
}

// NewDocument builds a document for a device's timeline
func NewDocument(device string, records []checkpoint.Record, now time.Time) *Document {
	if records == nil {
		records = []checkpoint.Record{}
	}
	return &Document{
		Version:     DocumentVersion,
		Device:      device,
		ExportedAt:  now.UTC(),
		Checkpoints: records,
	}
}

// Snapshots returns the snapshot records of the document
func (d *Document) Snapshots() []checkpoint.Record {
	var out []checkpoint.Record
	for _, r := range d.Checkpoints {
		if r.Snapshot {
			out = append(out, r)
		}
	}
	return out
}

// Options configures Write
type Options struct {
	Format   string
	Compress bool
	// Level is the zstd encoder level; zero means the default
	Level zstd.EncoderLevel
}

// OptionsForPath derives options from a file name: .json or .yaml/.yml,
// with an optional trailing .zst.
func OptionsForPath(path string) Options {
	name := strings.ToLower(filepath.Base(path))
	opts := Options{Format: FormatJSON}
	if trimmed, ok := strings.CutSuffix(name, ".zst"); ok {
		opts.Compress = true
		name = trimmed
	}
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		opts.Format = FormatYAML
	}
	return opts
}

// Write encodes doc to w
func Write(w io.Writer, doc *Document, opts Options) (err error) {
	if err := checkpoint.Validate(doc.Checkpoints); err != nil {
		return err
	}

	if opts.Compress {
		level := opts.Level
		if level == 0 {
			level = zstd.SpeedDefault
		}
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		defer func() {
			if cerr := enc.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("zstd close error: %w", cerr)
			}
		}()
		w = enc
	}

	switch opts.Format {
	case FormatJSON, "":
		e := json.NewEncoder(w)
		e.SetIndent("", "  ")
		return e.Encode(doc)
	case FormatYAML:
		e := yaml.NewEncoder(w)
		e.SetIndent(2)
		if err := e.Encode(doc); err != nil {
			return err
		}
		return e.Close()
	default:
		return tberrors.New(tberrors.ConfigInvalid, fmt.Sprintf("unknown export format %q", opts.Format), nil)
	}
}

// Read decodes a document written by Write. Compression and format are
// detected from the content.
func Read(r io.Reader) (*Document, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, err
	}

	var src io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		dec, err := zstd.NewReader(br, zstd.WithDecoderMaxMemory(256<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		src = dec
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, tberrors.New(tberrors.ParseError, "failed to read export", err)
	}

	var doc Document
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, tberrors.New(tberrors.ParseError, "export is empty", nil)
	}
	if trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &doc)
	} else {
		err = yaml.Unmarshal(trimmed, &doc)
	}
	if err != nil {
		return nil, tberrors.New(tberrors.ParseError, "failed to decode export", err)
	}

	if doc.Version == 0 || doc.Version > DocumentVersion {
		return nil, tberrors.New(tberrors.ParseError,
			fmt.Sprintf("unsupported export version %d", doc.Version), nil)
	}
	if err := checkpoint.Validate(doc.Checkpoints); err != nil {
		return nil, err
	}
	return &doc, nil
}
