package record

import (
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"
)

// Version is the format-version tag written as the first byte of every
// encoded record.
const Version uint8 = 1

// Codec limits. Decoding enforces the same bounds so that a length field
// in corrupted data can never drive a huge allocation.
const (
	MaxStringLen      = 1 << 20
	MaxPayloadEntries = 1 << 12
	MaxPayloadDepth   = 16
)

var (
	minTime = time.Unix(0, math.MinInt64).UTC()
	maxTime = time.Unix(0, math.MaxInt64).UTC()
)

// Header is the leading part of an encoded record: everything the query
// engine filters on, available without decoding the payload.
type Header struct {
	Version   uint8
	Sequence  uint64
	Timestamp time.Time
	Severity  Severity
	Type      EventType
	Actor     string
}

// Encode returns the canonical bytes of r followed by its record hash.
func Encode(r *Record) ([]byte, error) {
	b, err := CanonicalBytes(r)
	if err != nil {
		return nil, err
	}
	return append(b, r.Hash[:]...), nil
}

// CanonicalBytes returns the encoding of every field except the record
// hash. This is the exact input of the link hash. An empty payload is the
// same logical value as no payload and is normalized to nil in r.
func CanonicalBytes(r *Record) ([]byte, error) {
	if r.Payload != nil && len(r.Payload) == 0 {
		r.Payload = nil
	}
	if !r.Type.Valid() {
		return nil, &EncodingError{Field: "event_type", Reason: "unknown event type " + quote(string(r.Type))}
	}
	if !r.Severity.Valid() {
		return nil, &EncodingError{Field: "severity", Reason: "severity must be set"}
	}
	if r.Timestamp.Before(minTime) || r.Timestamp.After(maxTime) {
		return nil, &EncodingError{Field: "timestamp", Reason: "not representable as unix nanoseconds"}
	}
	if err := checkString("actor", r.Actor); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 128+len(r.Actor))
	buf = append(buf, Version)
	buf = binary.BigEndian.AppendUint64(buf, r.Sequence)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Timestamp.UnixNano()))
	buf = append(buf, byte(r.Severity))
	buf = appendString(buf, string(r.Type))
	buf = appendString(buf, r.Actor)

	var err error
	buf, err = appendPayload(buf, "payload", r.Payload, 1)
	if err != nil {
		return nil, err
	}
	return append(buf, r.PrevHash[:]...), nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func checkString(field, s string) error {
	if len(s) > MaxStringLen {
		return &EncodingError{Field: field, Reason: "string exceeds maximum length"}
	}
	if !utf8.ValidString(s) {
		return &EncodingError{Field: field, Reason: "invalid UTF-8"}
	}
	return nil
}

func appendPayload(buf []byte, path string, p Payload, depth int) ([]byte, error) {
	if depth > MaxPayloadDepth {
		return nil, &EncodingError{Field: path, Reason: "payload nested too deeply"}
	}
	if len(p) > MaxPayloadEntries {
		return nil, &EncodingError{Field: path, Reason: "too many payload entries"}
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p)))
	for _, k := range p.Keys() {
		field := path + "." + k
		if k == "" {
			return nil, &EncodingError{Field: path, Reason: "empty payload key"}
		}
		if err := checkString(field, k); err != nil {
			return nil, err
		}
		buf = appendString(buf, k)

		v := p[k]
		buf = append(buf, byte(v.kind))
		switch v.kind {
		case KindString:
			if err := checkString(field, v.s); err != nil {
				return nil, err
			}
			buf = appendString(buf, v.s)
		case KindInt:
			buf = binary.BigEndian.AppendUint64(buf, uint64(v.i))
		case KindBool:
			if v.b {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case KindFloat:
			if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
				return nil, &EncodingError{Field: field, Reason: "non-finite float"}
			}
			// -0 and +0 compare equal; one encoding per logical value.
			f := v.f
			if f == 0 {
				f = 0
			}
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
		case KindMap:
			var err error
			buf, err = appendPayload(buf, field, v.m, depth+1)
			if err != nil {
				return nil, err
			}
		default:
			return nil, &EncodingError{Field: field, Reason: "invalid payload value"}
		}
	}
	return buf, nil
}

// Decode parses an encoded record. It fails with *UnsupportedVersionError
// for an unknown format tag and *CorruptRecordError for anything malformed,
// truncated, non-canonical or followed by trailing bytes.
func Decode(b []byte) (*Record, error) {
	d := decoder{b: b}
	h, err := d.header()
	if err != nil {
		return nil, err
	}
	r := &Record{
		Sequence:  h.Sequence,
		Timestamp: h.Timestamp,
		Actor:     h.Actor,
		Type:      h.Type,
		Severity:  h.Severity,
	}
	if r.Payload, err = d.payload(1); err != nil {
		return nil, err
	}
	if r.PrevHash, err = d.digest(); err != nil {
		return nil, err
	}
	if r.Hash, err = d.digest(); err != nil {
		return nil, err
	}
	if d.off != len(b) {
		return nil, d.corrupt("trailing bytes after record hash")
	}
	return r, nil
}

// DecodeHeader parses only the fields that precede the payload.
func DecodeHeader(b []byte) (Header, error) {
	d := decoder{b: b}
	return d.header()
}

type decoder struct {
	b   []byte
	off int
}

func (d *decoder) corrupt(reason string) error {
	return &CorruptRecordError{Offset: d.off, Reason: reason}
}

func (d *decoder) need(n int) error {
	if n < 0 || len(d.b)-d.off < n {
		return d.corrupt("truncated")
	}
	return nil
}

func (d *decoder) byte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.b[d.off]
	d.off++
	return v, nil
}

func (d *decoder) uint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) uint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.b[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) string() (string, error) {
	n, err := d.uint32()
	if err != nil {
		return "", err
	}
	if n > MaxStringLen {
		return "", d.corrupt("string length out of bounds")
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.b[d.off : d.off+int(n)])
	if !utf8.ValidString(s) {
		return "", d.corrupt("invalid UTF-8")
	}
	d.off += int(n)
	return s, nil
}

func (d *decoder) digest() (Digest, error) {
	var h Digest
	if err := d.need(DigestSize); err != nil {
		return h, err
	}
	copy(h[:], d.b[d.off:])
	d.off += DigestSize
	return h, nil
}

func (d *decoder) header() (Header, error) {
	var h Header
	if len(d.b) == 0 {
		return h, d.corrupt("empty record")
	}
	if d.b[0] != Version {
		return h, &UnsupportedVersionError{Version: d.b[0]}
	}
	h.Version = d.b[0]
	d.off = 1

	var err error
	if h.Sequence, err = d.uint64(); err != nil {
		return h, err
	}
	ts, err := d.uint64()
	if err != nil {
		return h, err
	}
	h.Timestamp = time.Unix(0, int64(ts)).UTC()

	sev, err := d.byte()
	if err != nil {
		return h, err
	}
	h.Severity = Severity(sev)
	if !h.Severity.Valid() {
		return h, d.corrupt("invalid severity")
	}

	typ, err := d.string()
	if err != nil {
		return h, err
	}
	h.Type = EventType(typ)
	if !h.Type.Valid() {
		return h, d.corrupt("unknown event type " + quote(typ))
	}

	if h.Actor, err = d.string(); err != nil {
		return h, err
	}
	return h, nil
}

func (d *decoder) payload(depth int) (Payload, error) {
	if depth > MaxPayloadDepth {
		return nil, d.corrupt("payload nested too deeply")
	}
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if n > MaxPayloadEntries {
		return nil, d.corrupt("payload entry count out of bounds")
	}
	if n == 0 {
		return nil, nil
	}

	p := make(Payload, n)
	prev := ""
	for i := uint32(0); i < n; i++ {
		k, err := d.string()
		if err != nil {
			return nil, err
		}
		if k == "" || (i > 0 && k <= prev) {
			return nil, d.corrupt("payload keys not in canonical order")
		}
		prev = k

		kind, err := d.byte()
		if err != nil {
			return nil, err
		}
		var v Value
		switch Kind(kind) {
		case KindString:
			s, err := d.string()
			if err != nil {
				return nil, err
			}
			v = String(s)
		case KindInt:
			u, err := d.uint64()
			if err != nil {
				return nil, err
			}
			v = Int(int64(u))
		case KindBool:
			bv, err := d.byte()
			if err != nil {
				return nil, err
			}
			if bv > 1 {
				return nil, d.corrupt("invalid bool")
			}
			v = Bool(bv == 1)
		case KindFloat:
			u, err := d.uint64()
			if err != nil {
				return nil, err
			}
			f := math.Float64frombits(u)
			if math.IsNaN(f) || math.IsInf(f, 0) || u == 1<<63 {
				return nil, d.corrupt("non-canonical float")
			}
			v = Float(f)
		case KindMap:
			m, err := d.payload(depth + 1)
			if err != nil {
				return nil, err
			}
			v = Map(m)
		default:
			return nil, d.corrupt("unknown payload value kind")
		}
		p[k] = v
	}
	return p, nil
}

func quote(s string) string {
	if len(s) > 64 {
		s = s[:64] + "..."
	}
	return `"` + s + `"`
}
