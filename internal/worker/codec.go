package worker

import (
	"encoding/json"
	"strings"
)

// encode frames msg as one JSON string line.
func encode(msg string) []byte {
	b, _ := json.Marshal(msg)
	return append(b, '\n')
}

// decode returns the string carried by a line. Lines that are not JSON strings
// are returned verbatim.
func decode(line []byte) string {
	var s string
	if err := json.Unmarshal(line, &s); err == nil {
		return s
	}
	return strings.TrimRight(string(line), "\r")
}
