package agentloop

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// DefaultLoopDetectionWindow is the number of recent tool requests compared.
const DefaultLoopDetectionWindow = 10

// toolCallSignature hashes a tool request's name and arguments.
func toolCallSignature(name string, arguments []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(arguments)
	return name + ":" + hex.EncodeToString(h.Sum(nil)[:8])
}

// recentSignatures returns up to count signatures of the latest tool
// requests, oldest first.
func recentSignatures(history []Turn, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		calls := history[i].ToolCalls()
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j].Name, calls[j].Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool requests repeat a
// pattern of length 1, 2 or 3.
func DetectLoop(history []Turn, windowSize int) bool {
	if windowSize <= 1 {
		return false
	}
	sigs := recentSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		repeats := true
		for i := patternLen; i < windowSize && repeats; i++ {
			if sigs[i] != sigs[i%patternLen] {
				repeats = false
			}
		}
		if repeats {
			return true
		}
	}
	return false
}
