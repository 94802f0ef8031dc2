package script

import (
	"encoding/json"
	"strings"
)

// ResultPrefix marks the line carrying a script's result payload.
const ResultPrefix = "springops-result="

// Decoder turns captured script output into a Result. Implementations never
// fail: undecodable output becomes a FAILED result.
type Decoder interface {
	Decode(output string) Result
}

// SentinelDecoder finds the first line starting with Prefix and decodes the
// JSON that follows it. Everything from that line to the end of the output
// belongs to the payload.
type SentinelDecoder struct {
	Prefix string
}

// Decode implements Decoder.
func (d SentinelDecoder) Decode(output string) Result {
	prefix := d.Prefix
	if prefix == "" {
		prefix = ResultPrefix
	}
	payload, ok := findPayload(output, prefix)
	if !ok {
		return Failed("script did not report a result", output)
	}
	var result Result
	if err := json.NewDecoder(strings.NewReader(payload)).Decode(&result); err != nil {
		return Failed("malformed script result: "+err.Error(), output)
	}
	if result.Data == nil {
		result.Data = Data{}
	}
	return result
}

func findPayload(output, prefix string) (string, bool) {
	offset := 0
	for offset <= len(output) {
		rest := output[offset:]
		line := rest
		if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
			line = rest[:idx]
		}
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, prefix) {
			start := offset + (len(line) - len(trimmed)) + len(prefix)
			return output[start:], true
		}
		if len(line) == len(rest) {
			break
		}
		offset += len(line) + 1
	}
	return "", false
}
