package interpreter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Logs holds the streamed output of one execution, each stream in server
// emission order.
type Logs struct {
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}

// Result is one value produced by an execution: either the primary
// expression value or a display side effect. Data is a MIME bundle keyed by
// format.
type Result struct {
	// IsMainResult is true for the primary expression value and false for
	// display side effects.
	IsMainResult bool                       `json:"is_main_result"`
	Data         map[string]json.RawMessage `json:"data"`
}

// Formats returns the result's available MIME formats, sorted.
func (r Result) Formats() []string {
	formats := make([]string, 0, len(r.Data))
	for f := range r.Data {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}

// Text returns the canonical textual representation: text/plain when
// present, otherwise the first available format.
func (r Result) Text() string {
	if raw, ok := r.Data["text/plain"]; ok {
		return decodeTextPayload(raw)
	}
	for _, f := range r.Formats() {
		return decodeTextPayload(r.Data[f])
	}
	return ""
}

func decodeTextPayload(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// ExecutionError is an error raised inside the kernel during an execution.
// It is part of the execution record, not a transport failure.
type ExecutionError struct {
	Name      string   `json:"name"`
	Value     string   `json:"value"`
	Traceback []string `json:"traceback"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Value)
}

// TracebackRaw returns the raw traceback joined into one string.
func (e *ExecutionError) TracebackRaw() string {
	return strings.Join(e.Traceback, "\n")
}

// Execution is the merged record of one code execution: streaming output,
// produced results and any kernel error, accumulated frame by frame until a
// terminal status completes the execution.
type Execution struct {
	// ExecutionCount is the kernel's cell counter, zero until the kernel
	// accepts the input.
	ExecutionCount int             `json:"execution_count"`
	Logs           Logs            `json:"logs"`
	Results        []Result        `json:"results"`
	Error          *ExecutionError `json:"error,omitempty"`
}

// MainResult returns the primary expression value, if the execution
// produced one.
func (e *Execution) MainResult() (Result, bool) {
	for _, r := range e.Results {
		if r.IsMainResult {
			return r, true
		}
	}
	return Result{}, false
}

// Text returns the textual representation of the main result, or "".
func (e *Execution) Text() string {
	if r, ok := e.MainResult(); ok {
		return r.Text()
	}
	return ""
}
