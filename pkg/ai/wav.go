package ai

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"studiochat/pkg/domain"
)

const defaultPCMRate = 24000

// toWAV wraps raw 16-bit mono PCM in a RIFF header so browsers can play it.
// Payloads that already carry a container are returned unchanged.
func toWAV(mimeType string, data []byte) domain.Audio {
	lower := strings.ToLower(mimeType)
	if !strings.Contains(lower, "l16") && !strings.Contains(lower, "pcm") {
		return domain.Audio{MIMEType: mimeType, Data: data}
	}
	rate := pcmRate(lower)
	const channels, bits = 1, 16
	byteRate := rate * channels * bits / 8

	var buf bytes.Buffer
	buf.Grow(44 + len(data))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels*bits/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bits))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return domain.Audio{MIMEType: "audio/wav", Data: buf.Bytes()}
}

func pcmRate(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || key != "rate" {
			continue
		}
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultPCMRate
}
