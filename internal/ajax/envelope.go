package ajax

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Count is an integer the endpoint may encode either as a JSON number or as a
// numeric string (PHP frequently does the latter).
type Count int64

// UnmarshalJSON accepts 12, 12.0, "12" and "" (as zero).
func (c *Count) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode count string: %w", err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*c = 0
			return nil
		}
		b = []byte(s)
	}
	if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		*c = Count(n)
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid count %q", string(b))
	}
	*c = Count(int64(f))
	return nil
}

// Int64 returns the count as an int64.
func (c *Count) Int64() int64 {
	if c == nil {
		return 0
	}
	return int64(*c)
}

// Flag is a boolean the endpoint may send as true/false, 0/1 or "1"/"true".
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		*f = true
	case "false", "0", "", "no", "null":
		*f = false
	default:
		return fmt.Errorf("invalid flag %q", s)
	}
	return nil
}

// Step is one line of a single-product sync log.
type Step struct {
	Label   string `json:"label"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// UnmarshalJSON accepts either a bare string or an object.
func (s *Step) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var label string
		if err := json.Unmarshal(b, &label); err != nil {
			return fmt.Errorf("decode step: %w", err)
		}
		*s = Step{Label: label}
		return nil
	}
	type plain Step
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("decode step: %w", err)
	}
	*s = Step(p)
	return nil
}

// Payload is the data member of a response envelope. Pointer fields are nil
// when the server omitted them.
type Payload struct {
	Message    string   `json:"message,omitempty"`
	Total      *Count   `json:"total,omitempty"`
	Synced     *Count   `json:"synced,omitempty"`
	Completed  *Count   `json:"completed,omitempty"`
	Failed     *Count   `json:"failed,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	NextOffset *Count   `json:"next_offset,omitempty"`
	Remaining  *Count   `json:"remaining,omitempty"`
	Done       Flag     `json:"done,omitempty"`
	Status     string   `json:"status,omitempty"`
	EditURL    string   `json:"edit_url,omitempty"`
	Steps      []Step   `json:"steps,omitempty"`
}

// CompletedDelta returns the per-step completion delta. Older handlers report
// it as "synced", newer ones as "completed"; both are summed if both appear.
func (p *Payload) CompletedDelta() int64 {
	if p == nil {
		return 0
	}
	return p.Synced.Int64() + p.Completed.Int64()
}

// FailedDelta returns the per-step failure delta.
func (p *Payload) FailedDelta() int64 {
	if p == nil {
		return 0
	}
	return p.Failed.Int64()
}

// Envelope is the {success, data} wrapper produced by wp_send_json_*.
type Envelope struct {
	Success bool
	Data    *Payload
	// HTTPStatus is the response status code; informational only.
	HTTPStatus int
}

// OK reports whether the envelope carries a successful payload.
func (e Envelope) OK() bool {
	return e.Success && e.Data != nil
}

// Message returns the server-supplied message, if any.
func (e Envelope) Message() string {
	if e.Data == nil {
		return ""
	}
	return strings.TrimSpace(e.Data.Message)
}

type rawEnvelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type wpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errNotEnvelope = errors.New("response is not a JSON envelope")

// decodeEnvelope parses a response body. A body that is valid JSON but not an
// object (admin-ajax answers "0" or "-1" for unknown actions and failed nonce
// checks) yields errNotEnvelope.
func decodeEnvelope(body []byte) (Envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return Envelope{}, errNotEnvelope
	}
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env := Envelope{Success: raw.Success != nil && *raw.Success}
	data := bytes.TrimSpace(raw.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return env, nil
	}
	switch data[0] {
	case '{':
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			// A payload with an unexpected field type still carries the
			// server's message; surface it as a rejection.
			var partial struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(data, &partial) != nil {
				return Envelope{}, fmt.Errorf("decode payload: %w", err)
			}
			return Envelope{Data: &Payload{Message: partial.Message}}, nil
		}
		env.Data = &p
	case '"':
		var msg string
		if err := json.Unmarshal(data, &msg); err != nil {
			return Envelope{}, fmt.Errorf("decode payload message: %w", err)
		}
		env.Data = &Payload{Message: msg}
	case '[':
		// WP_Error objects serialize as a list of {code, message}.
		var list []wpError
		if err := json.Unmarshal(data, &list); err != nil {
			return Envelope{}, fmt.Errorf("decode payload errors: %w", err)
		}
		msgs := make([]string, 0, len(list))
		for _, item := range list {
			if item.Message != "" {
				msgs = append(msgs, item.Message)
			}
		}
		env.Data = &Payload{Message: strings.Join(msgs, " "), Errors: msgs}
	default:
		return Envelope{}, fmt.Errorf("unexpected payload %q", string(data))
	}
	return env, nil
}
