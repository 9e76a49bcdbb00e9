package kurir

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"pgregory.net/rapid"
)

func sampleResult() *FetchResult {
	return &FetchResult{
		Identifier: "https://example.com/a?x=1",
		Status:     http.StatusOK,
		Header: http.Header{
			"Content-Type": {"application/json"},
			"Set-Cookie":   {"a=1", "b=2"},
		},
		Payload:   []byte(`{"ok":true}`),
		FetchedAt: time.Unix(1_700_000_000, 123),
		TTL:       90 * time.Second,
		Attempts:  2,
	}
}

func TestMarshalResultRoundTrip(t *testing.T) {
	in := sampleResult()
	data, err := MarshalResult(in)
	require.NoError(t, err)

	out, err := UnmarshalResult(data)
	require.NoError(t, err)
	assert.Equal(t, in.Identifier, out.Identifier)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Header, out.Header)
	assert.Equal(t, in.Payload, out.Payload)
	assert.True(t, in.FetchedAt.Equal(out.FetchedAt))
	assert.Equal(t, in.TTL, out.TTL)
	assert.Equal(t, in.Attempts, out.Attempts)
}

func TestMarshalResultIsDeterministic(t *testing.T) {
	a, err := MarshalResult(sampleResult())
	require.NoError(t, err)
	b, err := MarshalResult(sampleResult())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = MarshalResult(nil)
	assert.Error(t, err)
}

func TestUnmarshalResultSkipsUnknownFields(t *testing.T) {
	data, err := MarshalResult(sampleResult())
	require.NoError(t, err)

	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "from the future")
	data = protowire.AppendTag(data, 100, protowire.Fixed64Type)
	data = protowire.AppendFixed64(data, 42)

	out, err := UnmarshalResult(data)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
}

func TestUnmarshalResultRejectsMalformedInput(t *testing.T) {
	good, err := MarshalResult(sampleResult())
	require.NoError(t, err)

	tests := []struct {
		name   string
		data   []byte
		offset int64
	}{
		{"truncated payload", good[:len(good)-12], -1},
		{"bad tag", []byte{0xff}, 0},
		{"length past end", append(protowire.AppendTag(nil, fieldPayload, protowire.BytesType), 0x20, 'a'), 1},
		{"header without name", protowire.AppendBytes(protowire.AppendTag(nil, fieldHeader, protowire.BytesType), nil), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalResult(tt.data)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.ErrorIs(t, err, ErrDecode)
			if tt.offset >= 0 {
				assert.Equal(t, tt.offset, de.Offset)
			}
		})
	}
}

func TestMarshalResultProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := &FetchResult{
			Identifier: Identifier(rapid.String().Draw(t, "id")),
			Status:     rapid.IntRange(0, 599).Draw(t, "status"),
			Payload:    rapid.SliceOf(rapid.Byte()).Draw(t, "payload"),
			FetchedAt:  time.Unix(0, rapid.Int64().Draw(t, "fetched")),
			TTL:        time.Duration(rapid.Int64().Draw(t, "ttl")),
			Attempts:   rapid.IntRange(0, 10).Draw(t, "attempts"),
		}
		data, err := MarshalResult(in)
		if err != nil {
			t.Fatal(err)
		}
		out, err := UnmarshalResult(data)
		if err != nil {
			t.Fatal(err)
		}
		if out.Identifier != in.Identifier || out.Status != in.Status || out.TTL != in.TTL ||
			out.Attempts != in.Attempts || !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("round trip mismatch: %+v != %+v", out, in)
		}
		if in.FetchedAt.UnixNano() != 0 && !out.FetchedAt.Equal(in.FetchedAt) {
			t.Fatalf("fetched_at mismatch")
		}
	})
}
