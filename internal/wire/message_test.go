package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		kind    Kind
		payload []byte
	}{
		{KindExecute, []byte("select 1")},
		{KindSync, nil},
		{KindData, bytes.Repeat([]byte{0xAB}, 4096)},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, c := range cases {
		if err := enc.Write(c.kind, c.payload); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	dec := NewDecoder(&buf)
	for i, c := range cases {
		msg, err := dec.Next()
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if msg.Kind != c.kind {
			t.Errorf("case %d: kind = %v, want %v", i, msg.Kind, c.kind)
		}
		if !bytes.Equal(msg.Payload, c.payload) {
			t.Errorf("case %d: payload mismatch", i)
		}
	}

	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestEncodeThenDecodeIsIdentity(t *testing.T) {
	// encode(decode(frame)) == frame for a well-formed frame.
	frame := Encode(nil, KindParse, []byte("annotations-and-text"))

	dec := NewDecoder(bytes.NewReader(frame))
	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	reencoded := Encode(nil, msg.Kind, msg.Payload)
	if !bytes.Equal(frame, reencoded) {
		t.Errorf("round trip mismatch:\n  original: %x\n  reencoded: %x", frame, reencoded)
	}
}

func TestBadFrameRejectsOversizedLength(t *testing.T) {
	var hdr [5]byte
	hdr[0] = byte(KindExecute)
	hdr[1], hdr[2], hdr[3], hdr[4] = 0xFF, 0xFF, 0xFF, 0xFF // absurd length
	dec := NewDecoder(bytes.NewReader(hdr[:]))

	_, err := dec.Next()
	var bf *BadFrame
	if !asBadFrame(err, &bf) {
		t.Fatalf("expected *BadFrame, got %v", err)
	}
}

func TestBadFrameRejectsLengthShorterThanHeader(t *testing.T) {
	var hdr [5]byte
	hdr[0] = byte(KindSync)
	hdr[4] = 3 // length < headerLen(5)
	dec := NewDecoder(bytes.NewReader(hdr[:]))

	_, err := dec.Next()
	var bf *BadFrame
	if !asBadFrame(err, &bf) {
		t.Fatalf("expected *BadFrame, got %v", err)
	}
}

func TestTruncatedMidFrame(t *testing.T) {
	full := Encode(nil, KindExecute, []byte("select 1"))
	dec := NewDecoder(bytes.NewReader(full[:len(full)-2]))

	_, err := dec.Next()
	var tr *Truncated
	if !asTruncated(err, &tr) {
		t.Fatalf("expected *Truncated, got %v", err)
	}
}

func TestPartialReadsAcrossChunks(t *testing.T) {
	// Simulate a reader that only yields a handful of bytes per Read call.
	full := Encode(nil, KindExecute, []byte("payload-that-spans-multiple-reads"))
	r := &slowReader{data: full, chunk: 3}

	dec := NewDecoder(r)
	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind != KindExecute {
		t.Errorf("kind = %v", msg.Kind)
	}
}

type slowReader struct {
	data  []byte
	chunk int
}

func (s *slowReader) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := s.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(s.data) {
		n = len(s.data)
	}
	copy(p, s.data[:n])
	s.data = s.data[n:]
	return n, nil
}

func asBadFrame(err error, target **BadFrame) bool {
	bf, ok := err.(*BadFrame)
	if ok {
		*target = bf
	}
	return ok
}

func asTruncated(err error, target **Truncated) bool {
	tr, ok := err.(*Truncated)
	if ok {
		*target = tr
	}
	return ok
}
