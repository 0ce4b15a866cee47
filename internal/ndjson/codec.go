package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// MaxMessageSize is the maximum NDJSON line size (256 KiB)
const MaxMessageSize = 256 * 1024

// Encoder writes one JSON value per line
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a value as a single JSON line and flushes it
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize,
			"overflow", len(data)-MaxMessageSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately so tailing readers see each line as it happens
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads NDJSON values from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)

	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, MaxMessageSize+1)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Decode reads the next non-empty line into v. Returns io.EOF at the end.
func (d *Decoder) Decode(v any) error {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
			}
			return io.EOF
		}

		d.lineNum++
		data := d.scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		if len(data) > MaxMessageSize {
			d.logger.Error("line exceeds size limit",
				"line", d.lineNum,
				"size", len(data),
				"limit", MaxMessageSize)
			return fmt.Errorf("line %d size %d exceeds limit %d", d.lineNum, len(data), MaxMessageSize)
		}

		if err := json.Unmarshal(data, v); err != nil {
			d.logger.Error("failed to unmarshal JSON",
				"line", d.lineNum,
				"error", err,
				"data", string(data[:min(100, len(data))]))
			return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
		}
		return nil
	}
}
