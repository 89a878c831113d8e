package record

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	r := &Record{
		Sequence:  42,
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
		Actor:     "user:alice",
		Type:      AuthFailure,
		Severity:  SeverityWarning,
		Payload: Payload{
			"ip":       String("10.0.0.7"),
			"attempts": Int(3),
			"locked":   Bool(false),
			"score":    Float(0.75),
			"client": Map(Payload{
				"agent":   String("curl/8.0"),
				"version": Int(-2),
			}),
		},
	}
	r.PrevHash[0] = 0xab
	r.Hash[31] = 0xcd
	return r
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	r := sampleRecord()

	b, err := Encode(r)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestEncodeDecode_RoundTripTable(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	tests := []struct {
		name string
		rec  Record
	}{
		{"empty payload", Record{Timestamp: base, Type: SystemStart, Severity: SeverityInfo}},
		{"zero sequence and actor", Record{Sequence: 0, Timestamp: base, Type: ConfigChange, Severity: SeverityDebug, Actor: ""}},
		{"max sequence", Record{Sequence: math.MaxUint64, Timestamp: base, Type: KeyRotation, Severity: SeverityCritical}},
		{"pre-epoch timestamp", Record{Timestamp: time.Unix(-86400, 5).UTC(), Type: DataAccess, Severity: SeverityInfo}},
		{"unicode", Record{Timestamp: base, Type: DataModify, Severity: SeverityError, Actor: "użytkownik", Payload: Payload{"ключ": String("値")}}},
		{"extreme ints", Record{Timestamp: base, Type: PolicyChange, Severity: SeverityAlert, Payload: Payload{"lo": Int(math.MinInt64), "hi": Int(math.MaxInt64)}}},
		{"empty payload map", Record{Timestamp: base, Type: DataAccess, Severity: SeverityInfo, Payload: Payload{}}},
		{"empty nested map", Record{Timestamp: base, Type: DataAccess, Severity: SeverityInfo, Payload: Payload{"meta": Map(Payload{})}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec
			b, err := Encode(&rec)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			require.Equal(t, &rec, got)
		})
	}
}

// randomRecord builds a valid record from rng, including the edge shapes
// the codec has to normalize: empty payloads, empty nested maps and -0.
func randomRecord(rng *rand.Rand) *Record {
	types := EventTypes()
	severities := []Severity{SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityAlert, SeverityCritical}
	r := &Record{
		Sequence:  rng.Uint64(),
		Timestamp: time.Unix(0, rng.Int64()-rng.Int64()).UTC(),
		Actor:     randomString(rng),
		Type:      types[rng.IntN(len(types))],
		Severity:  severities[rng.IntN(len(severities))],
		Payload:   randomPayload(rng, 1),
	}
	for i := range r.PrevHash {
		r.PrevHash[i] = byte(rng.UintN(256))
		r.Hash[i] = byte(rng.UintN(256))
	}
	return r
}

func randomString(rng *rand.Rand) string {
	const alphabet = "abcXYZ09_-:/ éß値🔑"
	runes := []rune(alphabet)
	out := make([]rune, rng.IntN(12))
	for i := range out {
		out[i] = runes[rng.IntN(len(runes))]
	}
	return string(out)
}

func randomPayload(rng *rand.Rand, depth int) Payload {
	switch rng.IntN(4) {
	case 0:
		return nil
	case 1:
		return Payload{}
	}
	p := Payload{}
	for n := rng.IntN(6); n > 0; n-- {
		key := "k" + randomString(rng)
		switch rng.IntN(6) {
		case 0:
			p[key] = String(randomString(rng))
		case 1:
			p[key] = Int(rng.Int64() - rng.Int64())
		case 2:
			p[key] = Bool(rng.IntN(2) == 1)
		case 3:
			p[key] = Float(rng.NormFloat64() * 1e6)
		case 4:
			p[key] = Float(math.Copysign(0, -1))
		default:
			if depth < MaxPayloadDepth {
				p[key] = Map(randomPayload(rng, depth+1))
			} else {
				p[key] = Int(int64(depth))
			}
		}
	}
	return p
}

func TestEncodeDecode_GeneratedRecords(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 2000; i++ {
		r := randomRecord(rng)
		b, err := Encode(r)
		require.NoError(t, err, "record %d", i)
		got, err := Decode(b)
		require.NoError(t, err, "record %d", i)
		require.Equal(t, r, got, "record %d", i)

		again, err := Encode(got)
		require.NoError(t, err)
		require.Equal(t, b, again, "record %d re-encodes differently", i)
	}
}

// FuzzDecode checks that decoding never panics and that anything it
// accepts is canonical: re-encoding yields the input bytes exactly.
func FuzzDecode(f *testing.F) {
	b, err := Encode(sampleRecord())
	require.NoError(f, err)
	f.Add(b)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 16; i++ {
		b, err := Encode(randomRecord(rng))
		require.NoError(f, err)
		f.Add(b)
	}
	f.Add([]byte{})
	f.Add([]byte{Version})

	f.Fuzz(func(t *testing.T, data []byte) {
		r, err := Decode(data)
		if err != nil {
			return
		}
		again, err := Encode(r)
		require.NoError(t, err)
		require.Equal(t, data, again)
	})
}

func TestCanonicalBytes_KeyOrderIndependent(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	// Rebuild the payload by inserting keys in a different order.
	b.Payload = Payload{}
	for _, k := range []string{"score", "client", "locked", "ip", "attempts"} {
		b.Payload[k] = a.Payload[k]
	}

	ea, err := CanonicalBytes(a)
	require.NoError(t, err)
	eb, err := CanonicalBytes(b)
	require.NoError(t, err)
	require.Equal(t, ea, eb)
}

func TestCanonicalBytes_ExcludesRecordHash(t *testing.T) {
	r := sampleRecord()
	before, err := CanonicalBytes(r)
	require.NoError(t, err)

	r.Hash[0] ^= 0xff
	after, err := CanonicalBytes(r)
	require.NoError(t, err)
	require.Equal(t, before, after)

	full, err := Encode(r)
	require.NoError(t, err)
	require.Len(t, full, len(before)+DigestSize)
}

func TestCanonicalBytes_NegativeZeroFloat(t *testing.T) {
	pos := sampleRecord()
	pos.Payload = Payload{"f": Float(0)}
	neg := sampleRecord()
	neg.Payload = Payload{"f": Float(math.Copysign(0, -1))}

	a, err := CanonicalBytes(pos)
	require.NoError(t, err)
	b, err := CanonicalBytes(neg)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestEncode_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *Record)
		field  string
	}{
		{"nan", func(r *Record) { r.Payload["score"] = Float(math.NaN()) }, "payload.score"},
		{"inf", func(r *Record) { r.Payload["score"] = Float(math.Inf(-1)) }, "payload.score"},
		{"unknown type", func(r *Record) { r.Type = "LOGIN" }, "event_type"},
		{"unset severity", func(r *Record) { r.Severity = SeverityUnset }, "severity"},
		{"zero time", func(r *Record) { r.Timestamp = time.Time{} }, "timestamp"},
		{"bad actor utf8", func(r *Record) { r.Actor = "\xff\xfe" }, "actor"},
		{"bad value utf8", func(r *Record) { r.Payload["ip"] = String("\xc3") }, "payload.ip"},
		{"invalid value", func(r *Record) { r.Payload["x"] = Value{} }, "payload.x"},
		{"empty key", func(r *Record) { r.Payload[""] = Int(1) }, "payload"},
		{"nested nan", func(r *Record) {
			r.Payload["client"] = Map(Payload{"f": Float(math.Inf(1))})
		}, "payload.client.f"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sampleRecord()
			tt.modify(r)
			_, err := Encode(r)
			var encErr *EncodingError
			require.ErrorAs(t, err, &encErr)
			require.Equal(t, tt.field, encErr.Field)
		})
	}
}

func TestEncode_DepthLimit(t *testing.T) {
	r := sampleRecord()
	p := Payload{"leaf": Int(1)}
	for i := 0; i < MaxPayloadDepth; i++ {
		p = Payload{"n": Map(p)}
	}
	r.Payload = p

	_, err := Encode(r)
	var encErr *EncodingError
	require.ErrorAs(t, err, &encErr)
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	b, err := Encode(sampleRecord())
	require.NoError(t, err)
	b[0] = 9

	_, err = Decode(b)
	var verErr *UnsupportedVersionError
	require.ErrorAs(t, err, &verErr)
	require.Equal(t, uint8(9), verErr.Version)

	_, err = DecodeHeader(b)
	require.ErrorAs(t, err, &verErr)
}

func TestDecode_EveryTruncationIsCorrupt(t *testing.T) {
	b, err := Encode(sampleRecord())
	require.NoError(t, err)

	for n := 0; n < len(b); n++ {
		_, err := Decode(b[:n])
		var corrupt *CorruptRecordError
		if !errors.As(err, &corrupt) {
			t.Fatalf("prefix of %d bytes: expected CorruptRecordError, got %v", n, err)
		}
	}
}

func TestDecode_TrailingBytes(t *testing.T) {
	b, err := Encode(sampleRecord())
	require.NoError(t, err)

	_, err = Decode(append(b, 0))
	var corrupt *CorruptRecordError
	require.ErrorAs(t, err, &corrupt)
	require.Equal(t, len(b), corrupt.Offset)
}

func TestDecode_RejectsNonCanonicalKeyOrder(t *testing.T) {
	r := &Record{
		Timestamp: time.Unix(0, 0).UTC(),
		Type:      DataAccess,
		Severity:  SeverityInfo,
		Payload:   Payload{"a": Int(1), "b": Int(2)},
	}
	b, err := Encode(r)
	require.NoError(t, err)

	// Keys are single bytes at fixed offsets; swap "a" and "b".
	ia := indexOf(b, []byte{0, 0, 0, 1, 'a'})
	ib := indexOf(b, []byte{0, 0, 0, 1, 'b'})
	require.Positive(t, ia)
	require.Positive(t, ib)
	b[ia+4], b[ib+4] = 'b', 'a'

	_, err = Decode(b)
	var corrupt *CorruptRecordError
	require.ErrorAs(t, err, &corrupt)
	require.Contains(t, corrupt.Reason, "canonical order")
}

func TestDecode_RejectsBadKindAndBool(t *testing.T) {
	r := &Record{
		Timestamp: time.Unix(0, 0).UTC(),
		Type:      DataAccess,
		Severity:  SeverityInfo,
		Payload:   Payload{"k": Bool(true)},
	}
	b, err := Encode(r)
	require.NoError(t, err)
	i := indexOf(b, []byte{0, 0, 0, 1, 'k'})
	require.Positive(t, i)

	badBool := append([]byte(nil), b...)
	badBool[i+6] = 2
	_, err = Decode(badBool)
	var corrupt *CorruptRecordError
	require.ErrorAs(t, err, &corrupt)

	badKind := append([]byte(nil), b...)
	badKind[i+5] = 77
	_, err = Decode(badKind)
	require.ErrorAs(t, err, &corrupt)
}

func TestDecode_RejectsUnknownSeverityAndType(t *testing.T) {
	b, err := Encode(sampleRecord())
	require.NoError(t, err)

	badSev := append([]byte(nil), b...)
	badSev[17] = 200
	_, err = Decode(badSev)
	var corrupt *CorruptRecordError
	require.ErrorAs(t, err, &corrupt)
	require.Equal(t, 18, corrupt.Offset)

	badType := append([]byte(nil), b...)
	badType[22] = 'X' // first byte of "AUTH_FAILURE"
	_, err = Decode(badType)
	require.ErrorAs(t, err, &corrupt)
}

func TestDecodeHeader(t *testing.T) {
	r := sampleRecord()
	b, err := Encode(r)
	require.NoError(t, err)

	h, err := DecodeHeader(b)
	require.NoError(t, err)
	require.Equal(t, Version, h.Version)
	require.Equal(t, r.Sequence, h.Sequence)
	require.True(t, r.Timestamp.Equal(h.Timestamp))
	require.Equal(t, r.Severity, h.Severity)
	require.Equal(t, r.Type, h.Type)
	require.Equal(t, r.Actor, h.Actor)

	// The header ignores whatever follows the actor.
	headerLen := 1 + 8 + 8 + 1 + 4 + len(r.Type) + 4 + len(r.Actor)
	h2, err := DecodeHeader(b[:headerLen])
	require.NoError(t, err)
	require.Equal(t, h, h2)
}

func indexOf(b, sub []byte) int {
	for i := 0; i+len(sub) <= len(b); i++ {
		match := true
		for j := range sub {
			if b[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
