package kurir

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/goccy/go-json"
)

// DefaultMaxRecordSize bounds a single record read by StreamDecoder.
const DefaultMaxRecordSize = 64 << 20

// StreamEncoder writes results as varint length-delimited records.
type StreamEncoder struct {
	w       io.Writer
	buf     []byte
	written int64
}

// NewStreamEncoder returns an encoder writing to w.
func NewStreamEncoder(w io.Writer) *StreamEncoder {
	return &StreamEncoder{w: w}
}

// Encode appends one record.
func (e *StreamEncoder) Encode(r *FetchResult) error {
	if r == nil {
		return errors.New("kurir: encode nil result")
	}
	body := appendResult(nil, r)
	e.buf = binary.AppendUvarint(e.buf[:0], uint64(len(body)))
	e.buf = append(e.buf, body...)
	n, err := e.w.Write(e.buf)
	e.written += int64(n)
	if err != nil {
		return fmt.Errorf("kurir: write record: %w", err)
	}
	return nil
}

// Written returns the number of bytes written so far.
func (e *StreamEncoder) Written() int64 { return e.written }

type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// StreamDecoder lazily reads records written by StreamEncoder. It is
// single-pass: once Next returns false it stays false.
//
//	for dec.Next() {
//		use(dec.Result())
//	}
//	if err := dec.Err(); err != nil { ... }
type StreamDecoder struct {
	r         *countingReader
	max       int
	cur       *FetchResult
	err       error
	done      bool
	recordBuf []byte
}

// NewStreamDecoder returns a decoder reading from r. maxRecord <= 0 uses DefaultMaxRecordSize.
func NewStreamDecoder(r io.Reader, maxRecord int) *StreamDecoder {
	if maxRecord <= 0 {
		maxRecord = DefaultMaxRecordSize
	}
	return &StreamDecoder{r: &countingReader{r: bufio.NewReader(r)}, max: maxRecord}
}

// Next advances to the next record and reports whether one was decoded.
func (d *StreamDecoder) Next() bool {
	if d.done {
		return false
	}
	d.cur = nil

	start := d.r.n
	size, err := binary.ReadUvarint(d.r)
	switch {
	case errors.Is(err, io.EOF) && d.r.n == start:
		return d.finish(nil)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return d.finish(&DecodeError{Offset: start, Reason: "truncated length", Cause: io.ErrUnexpectedEOF})
	case err != nil:
		return d.finish(&DecodeError{Offset: start, Reason: "bad length", Cause: err})
	}
	if size > uint64(d.max) {
		return d.finish(&DecodeError{Offset: start, Reason: fmt.Sprintf("record of %d bytes exceeds limit %d", size, d.max)})
	}

	bodyStart := d.r.n
	if cap(d.recordBuf) < int(size) {
		d.recordBuf = make([]byte, size)
	}
	body := d.recordBuf[:size]
	if _, err := io.ReadFull(d.r, body); err != nil {
		return d.finish(&DecodeError{Offset: d.r.n, Reason: "truncated record", Cause: io.ErrUnexpectedEOF})
	}

	res, err := decodeResult(body, bodyStart)
	if err != nil {
		return d.finish(err)
	}
	d.cur = res
	return true
}

func (d *StreamDecoder) finish(err error) bool {
	d.done = true
	d.err = err
	return false
}

// Result returns the record decoded by the last successful Next.
func (d *StreamDecoder) Result() *FetchResult { return d.cur }

// Err returns the error that stopped decoding, nil after a clean end of input.
func (d *StreamDecoder) Err() error { return d.err }

// All yields every remaining record, then the terminal error if any.
func (d *StreamDecoder) All() iter.Seq2[*FetchResult, error] {
	return func(yield func(*FetchResult, error) bool) {
		for d.Next() {
			if !yield(d.Result(), nil) {
				return
			}
		}
		if d.err != nil {
			yield(nil, d.err)
		}
	}
}

// JSONStream decodes a sequence of JSON values, typically newline
// delimited, one value at a time without buffering the whole body.
type JSONStream[T any] struct {
	dec  *json.Decoder
	cur  T
	err  error
	done bool
}

// NewJSONStream returns a stream reading values of type T from r.
func NewJSONStream[T any](r io.Reader) *JSONStream[T] {
	return &JSONStream[T]{dec: json.NewDecoder(r)}
}

// Next decodes the next value.
func (s *JSONStream[T]) Next() bool {
	if s.done {
		return false
	}
	var v T
	offset := s.dec.InputOffset()
	if err := s.dec.Decode(&v); err != nil {
		s.done = true
		if errors.Is(err, io.EOF) {
			return false
		}
		var syntax *json.SyntaxError
		var typ *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntax):
			offset = syntax.Offset
		case errors.As(err, &typ):
			offset = typ.Offset
		}
		s.err = &DecodeError{Offset: offset, Reason: "invalid json value", Cause: err}
		return false
	}
	s.cur = v
	return true
}

// Value returns the value decoded by the last successful Next.
func (s *JSONStream[T]) Value() T { return s.cur }

// Err returns the decoding error, nil after a clean end of input.
func (s *JSONStream[T]) Err() error { return s.err }

// All yields every remaining value, then the terminal error if any.
func (s *JSONStream[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for s.Next() {
			if !yield(s.Value(), nil) {
				return
			}
		}
		if s.err != nil {
			var zero T
			yield(zero, s.err)
		}
	}
}
