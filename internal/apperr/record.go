package apperr

// Record is the wire shape of an error handed to callers.
type Record struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Handle converts any error into a Record. Unclassified errors keep their
// message under CodeUnknown; a nil error yields a generic unknown record.
func Handle(err error) Record {
	if err == nil {
		return Record{Code: CodeUnknown, Message: "An unexpected error occurred"}
	}
	e := Classify(err)
	return Record{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// IsRecord reports whether v looks like a Record decoded from JSON.
func IsRecord(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, hasCode := m["code"]
	_, hasMessage := m["message"]
	return hasCode && hasMessage
}
