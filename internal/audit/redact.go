package audit

// RedactedPlaceholder replaces the value of any PII field at append time.
const RedactedPlaceholder = "[REDACTED]"

// DefaultPIIFields are the payload fields redacted by default.
var DefaultPIIFields = []string{"email", "phone", "pin", "secret", "token", "card_no"}

// Redactor removes PII from audit payloads before they are persisted.
type Redactor struct {
	fields map[string]bool
}

// NewRedactor creates a redactor for the given field names.
// With no fields, DefaultPIIFields apply.
func NewRedactor(fields ...string) *Redactor {
	if len(fields) == 0 {
		fields = DefaultPIIFields
	}
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return &Redactor{fields: set}
}

// Redact returns a deep copy of the payload with every configured field,
// at any nesting depth, replaced by RedactedPlaceholder.
func (r *Redactor) Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if r.fields[k] {
			out[k] = RedactedPlaceholder
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return r.Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	default:
		return val
	}
}
