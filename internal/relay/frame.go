package relay

import "encoding/binary"

// formatPCM16 and formatALawPassthrough are the WebSocket binary frame
// format tags: the first byte of every inbound binary frame.
const (
	formatPCM16           = 0x01
	formatALawPassthrough = 0x03
)

// decodePCM16LE interprets payload as little-endian signed 16-bit PCM
// samples. A trailing odd byte (a malformed frame) is ignored.
func decodePCM16LE(payload []byte) []int16 {
	n := len(payload) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(payload[i*2 : i*2+2]))
	}
	return out
}
