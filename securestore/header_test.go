package securestore

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func synthesizeHeader(t *testing.T, payload []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	buf.WriteString("FS")
	buf.WriteByte(0)
	buf.WriteByte(0)

	l := uint64(len(payload))
	writeUint32LE(&buf, uint32(l))
	writeUint32LE(&buf, uint32(l>>32))

	typeField := make([]byte, 16)
	copy(typeField, "CERT")
	buf.Write(typeField)

	buf.Write(make([]byte, 36))

	if buf.Len() != headerSize {
		t.Fatalf("synthesized header is %d bytes, want %d", buf.Len(), headerSize)
	}

	buf.Write(payload)

	return buf.Bytes()
}

func writeUint32LE(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 24))
}

// TestHeaderRoundTrip exercises §8 invariant 7: for a synthesized header
// with magic="FS", type="CERT", payload_size=L, the parsed header reports
// exactly L and no more.
func TestHeaderRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("x", 2500))
	raw := synthesizeHeader(t, payload)

	r := bytes.NewReader(raw)

	h, err := ReadHeader(r)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}

	if !h.Valid() {
		t.Fatalf("header = %+v, want valid", h)
	}

	if h.Size != uint64(len(payload)) {
		t.Fatalf("Size = %d, want %d", h.Size, len(payload))
	}

	if h.Magic[0] != 'F' || h.Magic[1] != 'S' {
		t.Fatalf("Magic = %v, want FS", h.Magic)
	}

	if err := copyExactly(io.Discard, r, h.Size); err != nil {
		t.Fatalf("copyExactly: %v", err)
	}

	if n, err := r.Read(make([]byte, 1)); err != io.EOF || n != 0 {
		t.Fatalf("expected EOF after reading exactly the payload, got n=%d err=%v", n, err)
	}
}

func TestHeaderRejectsWrongType(t *testing.T) {
	raw := synthesizeHeader(t, []byte("payload"))
	raw[12] = 'X' // corrupt the first byte of the type field (offset 4+4+4)

	h, err := ReadHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}

	if h.Valid() {
		t.Fatal("expected corrupted type field to be invalid")
	}
}

func TestHeaderRejectsZeroLength(t *testing.T) {
	raw := synthesizeHeader(t, nil)

	h, err := ReadHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}

	if h.Valid() {
		t.Fatal("expected zero payload length to be invalid")
	}
}

func TestExtractFromRejectsInvalidHeader(t *testing.T) {
	raw := synthesizeHeader(t, nil)

	if err := extractFrom(bytes.NewReader(raw), t.TempDir(), t.TempDir()); err == nil {
		t.Fatal("expected extractFrom to reject a zero-length header")
	} else if _, ok := err.(*HeaderInvalid); !ok {
		t.Fatalf("error = %T, want *HeaderInvalid", err)
	}
}

