package channel

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Per-platform outbound limits.
const (
	discordMaxMsgLen  = 2000
	telegramMaxMsgLen = 4096
	slackMaxMsgLen    = 4000
	whatsappMaxMsgLen = 4096
	signalMaxMsgLen   = 4096
	webchatMaxMsgLen  = 16000
)

// chunkPrefixReserve is the room kept for a "[i/n] " prefix.
const chunkPrefixReserve = len("[999/999] ")

// ChunkText splits text into pieces of at most maxLen bytes. A cut prefers the
// last newline at or before the limit, then the last space, then a hard cut,
// but always keeps at least half the limit so chunks never degenerate. The
// remainder is left-trimmed before the next cut.
func ChunkText(text string, maxLen int) []string {
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		window := text[:maxLen+1]
		cut, skip := -1, 0
		if idx := strings.LastIndexByte(window, '\n'); idx >= maxLen/2 && idx > 0 {
			cut, skip = idx, 1
		} else if idx := strings.LastIndexByte(window, ' '); idx >= maxLen/2 && idx > 0 {
			cut, skip = idx, 1
		}
		if cut < 0 {
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
		}

		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut+skip:], " \t\r\n")
	}
	return chunks
}

// ChunkForDelivery chunks text for a platform limit and numbers the chunks
// with a "[i/n] " prefix when more than one is produced. Every returned chunk
// fits in maxLen; limits too small to hold a prefix get unnumbered chunks.
func ChunkForDelivery(text string, maxLen int) []string {
	plain := ChunkText(text, maxLen)
	if len(plain) <= 1 || maxLen <= 2*chunkPrefixReserve {
		return plain
	}
	chunks := ChunkText(text, maxLen-chunkPrefixReserve)
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), c)
		if len(out[i]) > maxLen {
			return plain
		}
	}
	return out
}
