package relay

import "testing"

func TestDecodePCM16LE(t *testing.T) {
	payload := []byte{0x00, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x34, 0x12}
	got := decodePCM16LE(payload)
	want := []int16{0, 32767, -32768, 0x1234}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDecodePCM16LEDropsTrailingOddByte(t *testing.T) {
	payload := []byte{0x01, 0x00, 0x02}
	got := decodePCM16LE(payload)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0] != 1 {
		t.Errorf("sample[0] = %d, want 1", got[0])
	}
}
