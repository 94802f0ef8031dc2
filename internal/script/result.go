// Package script runs the update, build and run scripts of a deploy and
// decodes the structured result each one prints.
package script

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Result statuses reported by scripts.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Result is the payload a script reports about its own outcome.
type Result struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Data     Data   `json:"data"`
}

// Succeeded reports whether the script declared success.
func (r Result) Succeeded() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), StatusSuccess)
}

// First returns data[0] or "".
func (r Result) First() string {
	if len(r.Data) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Data[0])
}

// Failed builds a FAILED result that keeps raw output for diagnostics.
func Failed(message, output string) Result {
	return Result{ExitCode: -1, Output: output, Status: StatusFailed, Message: message, Data: Data{}}
}

// Data is the list of values a script hands to the next step. Scalars that
// are not strings (a pid printed as a number) are kept in their textual form.
type Data []string

// UnmarshalJSON implements json.Unmarshaler.
func (d *Data) UnmarshalJSON(raw []byte) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		*d = Data{}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("data must be an array: %w", err)
	}
	values := make(Data, 0, len(items))
	for _, item := range items {
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return err
		}
		switch typed := v.(type) {
		case string:
			values = append(values, typed)
		case json.Number:
			values = append(values, typed.String())
		case bool:
			values = append(values, strconv.FormatBool(typed))
		case nil:
			values = append(values, "")
		default:
			return fmt.Errorf("unsupported data element %s", string(item))
		}
	}
	*d = values
	return nil
}
