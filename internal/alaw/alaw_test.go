package alaw

import "testing"

func TestEncodeKnownVectors(t *testing.T) {
	tests := []struct {
		name   string
		sample int16
		want   byte
	}{
		{"zero", 0, 0xD5},
		{"max positive", 32767, 0xAA},
		{"min negative", -32768, 0x2A},
		{"silence constant matches zero", 0, Silence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Encode(tt.sample); got != tt.want {
				t.Errorf("Encode(%d) = 0x%02X, want 0x%02X", tt.sample, got, tt.want)
			}
		})
	}
}

func TestEncodeBufLength(t *testing.T) {
	pcm := make([]int16, 320)
	out := EncodeBuf(pcm, nil)
	if len(out) != len(pcm) {
		t.Fatalf("EncodeBuf produced %d bytes, want %d", len(out), len(pcm))
	}
	for i, b := range out {
		if b != Silence {
			t.Fatalf("byte %d = 0x%02X, want silence 0x%02X", i, b, Silence)
		}
	}
}

func TestEncodeSymmetry(t *testing.T) {
	// Encoding is not perfectly symmetric at the table boundaries, but the
	// sign bit must flip consistently for any nonzero magnitude.
	pos := Encode(1000)
	neg := Encode(-1000)
	if pos&0x80 == neg&0x80 {
		t.Fatalf("expected sign bits to differ: pos=0x%02X neg=0x%02X", pos, neg)
	}
}
