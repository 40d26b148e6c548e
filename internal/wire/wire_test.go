package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func mustDecodeEntry(t *testing.T, b []byte) Entry {
	t.Helper()
	e, err := DecodeEntry(b)
	if err != nil {
		t.Fatalf("DecodeEntry error: %v", err)
	}
	return e
}

func TestEntryRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 123, time.UTC)
	cases := []Entry{
		{Gen: 0, Payload: nil},
		{Gen: 42, FetchedAt: at, Payload: []byte(`{"key":"alpha"}`)},
		{Gen: math.MaxUint64, FetchedAt: at, Payload: []byte{0, 1, 2, 3, 4}},
	}
	for _, tc := range cases {
		got := mustDecodeEntry(t, EncodeEntry(tc))
		if got.Gen != tc.Gen {
			t.Fatalf("gen mismatch: got %d want %d", got.Gen, tc.Gen)
		}
		if !got.FetchedAt.Equal(tc.FetchedAt) {
			t.Fatalf("fetchedAt mismatch: got %v want %v", got.FetchedAt, tc.FetchedAt)
		}
		if !bytes.Equal(got.Payload, tc.Payload) {
			t.Fatalf("payload mismatch: got %x want %x", got.Payload, tc.Payload)
		}
	}
}

func TestEntryZeroFetchedAtStaysZero(t *testing.T) {
	got := mustDecodeEntry(t, EncodeEntry(Entry{Gen: 3, Payload: []byte("x")}))
	if !got.FetchedAt.IsZero() {
		t.Fatalf("expected zero fetchedAt, got %v", got.FetchedAt)
	}
}

func TestEntryRejectsTrailingBytes(t *testing.T) {
	enc := EncodeEntry(Entry{Gen: 7, Payload: []byte("x")})
	enc = append(enc, 0xDE, 0xAD) // add junk
	if _, err := DecodeEntry(enc); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestEntryCorruptHeadersAndLengths(t *testing.T) {
	enc := EncodeEntry(Entry{Gen: 1, FetchedAt: time.Now(), Payload: []byte("abc")})

	// bad magic
	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, err := DecodeEntry(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	// wrong version
	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, err := DecodeEntry(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	// wrong kind
	badKind := append([]byte(nil), enc...)
	badKind[5] = kindRecord + 1
	if _, err := DecodeEntry(badKind); err == nil {
		t.Fatalf("expected error on bad kind")
	}

	// vlen too large (announce more than available)
	tooLong := append([]byte(nil), enc...)
	// vlen is at offset 22..25 (4 magic +1 ver +1 kind +8 gen +8 fetchedAt)
	binary.BigEndian.PutUint32(tooLong[22:26], uint32(len("abc")+1))
	if _, err := DecodeEntry(tooLong); err == nil {
		t.Fatalf("expected error on vlen beyond buffer")
	}

	// truncated buffer
	trunc := enc[:len(enc)-1]
	if _, err := DecodeEntry(trunc); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}

	// shorter than the header
	if _, err := DecodeEntry(enc[:10]); err == nil {
		t.Fatalf("expected error on short header")
	}
}

func TestEntryZeroCopyPayload(t *testing.T) {
	enc := EncodeEntry(Entry{Gen: 1, Payload: []byte("Z")})
	e := mustDecodeEntry(t, enc)
	if len(e.Payload) != 1 {
		t.Fatalf("unexpected payload len")
	}
	// mutate payload slice. should mutate underlying enc bytes (zero-copy)
	e.Payload[0] = 'Q'
	e2 := mustDecodeEntry(t, enc)
	if e2.Payload[0] != 'Q' {
		t.Fatalf("expected zero-copy slice into enc buffer")
	}
}
