package lookup

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sandboxws/isotope/compute/pkg/page"
)

// Frame field numbers.
const (
	fieldBatchID protowire.Number = 1
	fieldLast    protowire.Number = 2
	fieldPayload protowire.Number = 3
	fieldError   protowire.Number = 4
)

// ErrMalformedFrame is returned when a frame cannot be decoded.
var ErrMalformedFrame = errors.New("lookup: malformed frame")

// Frame is one message on the exchange. Exactly one of Page and Err is
// normally set; a frame carrying neither is a bare status marker.
type Frame struct {
	BatchID int64
	Last    bool
	Page    *page.Page
	Err     string
}

// EncodeFrame serializes f. The payload page is written as an Arrow IPC
// stream; f.Page keeps its reference.
func EncodeFrame(mem memory.Allocator, f Frame) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldBatchID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(f.BatchID))
	if f.Last {
		b = protowire.AppendTag(b, fieldLast, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if f.Page != nil {
		payload, err := encodePage(mem, f.Page)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	if f.Err != "" {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, f.Err)
	}
	return b, nil
}

// DecodeFrame parses b. A decoded payload page is allocated from mem, owned
// by the caller, and carries the frame's batch id and last flag as metadata.
func DecodeFrame(mem memory.Allocator, b []byte) (Frame, error) {
	var f Frame
	var payload []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldBatchID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Frame{}, fmt.Errorf("%w: batch id: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			f.BatchID = protowire.DecodeZigZag(v)
			n = m
		case num == fieldLast && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Frame{}, fmt.Errorf("%w: last: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			f.Last = v != 0
			n = m
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Frame{}, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			payload = v
			n = m
		case num == fieldError && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return Frame{}, fmt.Errorf("%w: error: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			f.Err = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if payload != nil {
		p, err := decodePage(mem, payload)
		if err != nil {
			return Frame{}, err
		}
		p.SetMetadata(page.Metadata{BatchID: f.BatchID, Last: f.Last})
		f.Page = p
	}
	return f, nil
}

func encodePage(mem memory.Allocator, p *page.Page) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(p.Schema()), ipc.WithAllocator(mem))
	if err := w.Write(p.Record()); err != nil {
		w.Close()
		return nil, fmt.Errorf("lookup: encode page: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lookup: encode page: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePage(mem memory.Allocator, payload []byte) (*page.Page, error) {
	r, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
	}
	defer r.Release()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
		}
		return nil, fmt.Errorf("%w: payload holds no record", ErrMalformedFrame)
	}
	rec := r.Record()
	rec.Retain()
	return page.New(rec), nil
}
