package wavio

import (
	"encoding/binary"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	pcm := make([]byte, 3200)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i%256)))
	}
	data, err := Bytes(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected nonzero wav output")
	}

	out, rate, err := ExtractPCM(data)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if rate != 16000 {
		t.Fatalf("expected sample rate 16000, got %d", rate)
	}
	if len(out) != len(pcm) {
		t.Fatalf("expected %d pcm bytes, got %d", len(pcm), len(out))
	}
	for i := range pcm {
		if out[i] != pcm[i] {
			t.Fatalf("pcm mismatch at byte %d", i)
		}
	}
}

func TestWriteFileRejectsUnaligned(t *testing.T) {
	if err := WriteFile(t.TempDir()+"/x.wav", []byte{1}, 16000, 1); err == nil {
		t.Fatal("expected error for odd-length pcm")
	}
}
