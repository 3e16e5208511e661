package history

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/target/jobexec/internal/domain/model"
)

// Handler types of history jobs. The handler type names the payload encoding.
const (
	HandlerTypeSingle    = "async-history"
	HandlerTypeGroup     = "async-history-group"
	HandlerTypeGroupGzip = "async-history-group-gzip"
)

const maxDecompressedPayload = 64 << 20

// HandlerTypes lists every history handler type.
func HandlerTypes() []string {
	return []string{HandlerTypeSingle, HandlerTypeGroup, HandlerTypeGroupGzip}
}

// Encoding describes how a history job payload is stored.
type Encoding string

const (
	EncodingSingle    Encoding = "single"
	EncodingGroup     Encoding = "group"
	EncodingGroupGzip Encoding = "group-gzip"
)

// HandlerType returns the handler type that decodes e.
func (e Encoding) HandlerType() string {
	switch e {
	case EncodingGroup:
		return HandlerTypeGroup
	case EncodingGroupGzip:
		return HandlerTypeGroupGzip
	default:
		return HandlerTypeSingle
	}
}

// Grouped reports whether the payload is an array of fact documents.
func (e Encoding) Grouped() bool {
	return e == EncodingGroup || e == EncodingGroupGzip
}

// ErrInvalidPayload is returned when a history job payload cannot be decoded.
var ErrInvalidPayload = errors.New("invalid history payload")

// JobConfig is the handler config of a history job.
type JobConfig struct {
	Encoding Encoding `json:"encoding"`
	// Payload holds a single fact document or a grouped array, uncompressed.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Compressed holds the gzip-compressed grouped array.
	Compressed []byte `json:"compressed,omitempty"`
}

// CompressionPolicy decides when grouped payloads are gzip-compressed.
type CompressionPolicy struct {
	Enabled  bool
	MinBytes int
}

// EncodeSingle builds the config of a job carrying one fact.
func EncodeSingle(doc model.FactDocument) (JobConfig, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return JobConfig{}, fmt.Errorf("encode fact: %w", err)
	}
	return JobConfig{Encoding: EncodingSingle, Payload: raw}, nil
}

// EncodeGroup builds the config of a job carrying all docs, compressing the array when the
// policy asks for it.
func EncodeGroup(docs []model.FactDocument, policy CompressionPolicy) (JobConfig, error) {
	raw, err := json.Marshal(docs)
	if err != nil {
		return JobConfig{}, fmt.Errorf("encode fact group: %w", err)
	}
	if !policy.Enabled || len(raw) < policy.MinBytes {
		return JobConfig{Encoding: EncodingGroup, Payload: raw}, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return JobConfig{}, fmt.Errorf("compress fact group: %w", err)
	}
	if err := zw.Close(); err != nil {
		return JobConfig{}, fmt.Errorf("compress fact group: %w", err)
	}
	return JobConfig{Encoding: EncodingGroupGzip, Compressed: buf.Bytes()}, nil
}

// Decode parses a history job config into its fact documents.
func Decode(raw []byte) (Encoding, []model.FactDocument, error) {
	var cfg JobConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	switch cfg.Encoding {
	case EncodingSingle:
		var doc model.FactDocument
		if err := json.Unmarshal(cfg.Payload, &doc); err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return cfg.Encoding, []model.FactDocument{doc}, nil
	case EncodingGroup:
		docs, err := decodeArray(cfg.Payload)
		return cfg.Encoding, docs, err
	case EncodingGroupGzip:
		zr, err := gzip.NewReader(bytes.NewReader(cfg.Compressed))
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		defer zr.Close()
		raw, err := io.ReadAll(io.LimitReader(zr, maxDecompressedPayload))
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		docs, err := decodeArray(raw)
		return cfg.Encoding, docs, err
	default:
		return "", nil, fmt.Errorf("%w: unknown encoding %q", ErrInvalidPayload, cfg.Encoding)
	}
}

func decodeArray(raw []byte) ([]model.FactDocument, error) {
	var docs []model.FactDocument
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return docs, nil
}
