package kurir

import (
	"errors"
	"math"
	"net/http"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// FetchResult wire fields.
const (
	fieldIdentifier protowire.Number = 1
	fieldStatus     protowire.Number = 2
	fieldHeader     protowire.Number = 3
	fieldPayload    protowire.Number = 4
	fieldFetchedAt  protowire.Number = 5 // unix nanoseconds
	fieldTTL        protowire.Number = 6 // nanoseconds
	fieldAttempts   protowire.Number = 7
)

// Header submessage fields; one submessage per value.
const (
	fieldHeaderName  protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// MarshalResult encodes r in protobuf wire format. Header names are written
// in sorted order so equal results encode to equal bytes.
func MarshalResult(r *FetchResult) ([]byte, error) {
	if r == nil {
		return nil, errors.New("kurir: marshal nil result")
	}
	return appendResult(nil, r), nil
}

func appendResult(b []byte, r *FetchResult) []byte {
	if r.Identifier != "" {
		b = protowire.AppendTag(b, fieldIdentifier, protowire.BytesType)
		b = protowire.AppendString(b, string(r.Identifier))
	}
	if r.Status != 0 {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Status))
	}

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range r.Header[name] {
			var sub []byte
			sub = protowire.AppendTag(sub, fieldHeaderName, protowire.BytesType)
			sub = protowire.AppendString(sub, name)
			sub = protowire.AppendTag(sub, fieldHeaderValue, protowire.BytesType)
			sub = protowire.AppendString(sub, value)
			b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
			b = protowire.AppendBytes(b, sub)
		}
	}

	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	if !r.FetchedAt.IsZero() {
		b = protowire.AppendTag(b, fieldFetchedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.FetchedAt.UnixNano()))
	}
	if r.TTL != 0 {
		b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.TTL)))
	}
	if r.Attempts != 0 {
		b = protowire.AppendTag(b, fieldAttempts, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Attempts))
	}
	return b
}

// UnmarshalResult decodes bytes produced by MarshalResult. Unknown fields
// are skipped; malformed input yields a *DecodeError with the offset of
// the offending field.
func UnmarshalResult(data []byte) (*FetchResult, error) {
	return decodeResult(data, 0)
}

func decodeResult(data []byte, base int64) (*FetchResult, error) {
	r := &FetchResult{}
	off := 0
	for off < len(data) {
		num, typ, n := protowire.ConsumeTag(data[off:])
		if n < 0 {
			return nil, wireError(base+int64(off), "tag", n)
		}
		fieldStart := off
		off += n

		switch {
		case num == fieldIdentifier && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data[off:])
			if n < 0 {
				return nil, wireError(base+int64(off), "identifier", n)
			}
			r.Identifier = Identifier(v)
			off += n
		case num == fieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data[off:])
			if n < 0 {
				return nil, wireError(base+int64(off), "status", n)
			}
			if v > math.MaxInt32 {
				return nil, &DecodeError{Offset: base + int64(fieldStart), Reason: "status out of range"}
			}
			r.Status = int(v)
			off += n
		case num == fieldHeader && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data[off:])
			if n < 0 {
				return nil, wireError(base+int64(off), "header", n)
			}
			if r.Header == nil {
				r.Header = http.Header{}
			}
			if err := decodeHeader(r.Header, v, base+int64(off+n-len(v))); err != nil {
				return nil, err
			}
			off += n
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data[off:])
			if n < 0 {
				return nil, wireError(base+int64(off), "payload", n)
			}
			r.Payload = append([]byte(nil), v...)
			off += n
		case num == fieldFetchedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data[off:])
			if n < 0 {
				return nil, wireError(base+int64(off), "fetched_at", n)
			}
			r.FetchedAt = time.Unix(0, protowire.DecodeZigZag(v))
			off += n
		case num == fieldTTL && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data[off:])
			if n < 0 {
				return nil, wireError(base+int64(off), "ttl", n)
			}
			r.TTL = time.Duration(protowire.DecodeZigZag(v))
			off += n
		case num == fieldAttempts && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data[off:])
			if n < 0 {
				return nil, wireError(base+int64(off), "attempts", n)
			}
			if v > math.MaxInt32 {
				return nil, &DecodeError{Offset: base + int64(fieldStart), Reason: "attempts out of range"}
			}
			r.Attempts = int(v)
			off += n
		default:
			n := protowire.ConsumeFieldValue(num, typ, data[off:])
			if n < 0 {
				return nil, wireError(base+int64(off), "unknown field", n)
			}
			off += n
		}
	}
	return r, nil
}

func decodeHeader(h http.Header, data []byte, base int64) error {
	var name, value string
	var haveName bool
	off := 0
	for off < len(data) {
		num, typ, n := protowire.ConsumeTag(data[off:])
		if n < 0 {
			return wireError(base+int64(off), "header tag", n)
		}
		off += n
		switch {
		case num == fieldHeaderName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data[off:])
			if n < 0 {
				return wireError(base+int64(off), "header name", n)
			}
			name, haveName = v, true
			off += n
		case num == fieldHeaderValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data[off:])
			if n < 0 {
				return wireError(base+int64(off), "header value", n)
			}
			value = v
			off += n
		default:
			n := protowire.ConsumeFieldValue(num, typ, data[off:])
			if n < 0 {
				return wireError(base+int64(off), "header field", n)
			}
			off += n
		}
	}
	if !haveName || name == "" {
		return &DecodeError{Offset: base, Reason: "header without name"}
	}
	// Names were canonical when encoded; store them verbatim.
	h[name] = append(h[name], value)
	return nil
}

func wireError(offset int64, what string, n int) *DecodeError {
	return &DecodeError{Offset: offset, Reason: "malformed " + what, Cause: protowire.ParseError(n)}
}
