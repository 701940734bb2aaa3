package tools

import (
	"errors"
	"fmt"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
)

// Result is the uniform outcome of a tool call. It always carries "success";
// failures also carry "error" and usually "error_kind".
type Result map[string]any

// OK builds a successful result from fields.
func OK(fields map[string]any) Result {
	r := Result{"success": true}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// Fail builds a failed result.
func Fail(kind core.ErrorKind, msg string) Result {
	r := Result{"success": false, "error": msg}
	if kind != "" {
		r["error_kind"] = string(kind)
	}
	return r
}

// Failf is Fail with a formatted message.
func Failf(kind core.ErrorKind, format string, args ...any) Result {
	return Fail(kind, fmt.Sprintf(format, args...))
}

// FromError converts err into a failed result. Classified errors keep their
// kind and message; anything else is an ExecutionFailure.
func FromError(err error) Result {
	var ce *core.Error
	if errors.As(err, &ce) {
		msg := ce.Message
		if msg == "" && ce.Err != nil {
			msg = ce.Err.Error()
		} else if ce.Err != nil {
			msg = msg + ": " + ce.Err.Error()
		}
		return Fail(ce.Kind, msg)
	}
	return Fail(core.KindExecution, err.Error())
}

// NeedInput is the structured missing-fields failure the orchestration loop
// turns into follow-up questions.
func NeedInput(tool string, missing []string) Result {
	r := Fail(core.KindValidation, "Missing required fields for "+tool)
	r["missing_fields"] = missing
	r["questions"] = QuestionsFor(tool, missing)
	return r
}

// Success reports the "success" field.
func (r Result) Success() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// ErrorMessage returns the "error" field, or "".
func (r Result) ErrorMessage() string {
	s, _ := r["error"].(string)
	return s
}

// ErrorKind returns the classified kind of a failed result, or "".
func (r Result) ErrorKind() core.ErrorKind {
	s, _ := r["error_kind"].(string)
	return core.ErrorKind(s)
}

// MissingFields returns the "missing_fields" list. Results that went
// through JSON hold it as []any.
func (r Result) MissingFields() []string {
	return stringList(r["missing_fields"])
}

// Questions returns the "questions" list.
func (r Result) Questions() []string {
	return stringList(r["questions"])
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
