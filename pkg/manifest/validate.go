package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// maxNameLength matches the DNS label limit; agent names become workload and
// route names downstream, so the same charset rules apply here.
const maxNameLength = 63

// Violation is a single validation failure, attributed to a manifest field.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError reports every violation found in a manifest. It is never
// retried: a manifest that fails validation fails the deployment permanently.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid manifest"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Reason))
	}
	return "invalid manifest: " + strings.Join(parts, "; ")
}

// Validate parses raw manifest bytes and checks every invariant the pipeline
// depends on. It is a pure function with no side effects, called both at
// intake (fail fast, nothing enqueued) and again inside the worker before the
// build stage runs.
func Validate(raw []byte) (*AgentManifest, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ValidationError{Violations: []Violation{{Field: "manifest", Reason: "document is empty"}}}
	}

	var m AgentManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		reason := "malformed JSON"
		var syn *json.SyntaxError
		var typ *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syn):
			reason = fmt.Sprintf("malformed JSON at offset %d: %v", syn.Offset, syn)
		case errors.As(err, &typ):
			reason = fmt.Sprintf("field %q: expected %s", typ.Field, typ.Type)
		}
		return nil, &ValidationError{Violations: []Violation{{Field: "manifest", Reason: reason}}}
	}

	var vs []Violation

	switch {
	case strings.TrimSpace(m.Name) == "":
		vs = append(vs, Violation{Field: "name", Reason: "is required"})
	case len(m.Name) > maxNameLength:
		vs = append(vs, Violation{Field: "name", Reason: fmt.Sprintf("must be at most %d characters", maxNameLength)})
	case !validName(m.Name):
		vs = append(vs, Violation{Field: "name", Reason: "must be lowercase alphanumeric segments separated by '-'"})
	}

	if len(m.Capabilities) == 0 {
		vs = append(vs, Violation{Field: "capabilities", Reason: "is required and must not be empty"})
	}
	for i, c := range m.Capabilities {
		if strings.TrimSpace(c) == "" {
			vs = append(vs, Violation{Field: fmt.Sprintf("capabilities[%d]", i), Reason: "must not be blank"})
		}
	}

	if len(m.Endpoints) == 0 {
		vs = append(vs, Violation{Field: "endpoints", Reason: "is required and must not be empty"})
	}
	for path := range m.Endpoints {
		if !strings.HasPrefix(path, "/") {
			vs = append(vs, Violation{Field: "endpoints", Reason: fmt.Sprintf("path %q must start with '/'", path)})
		}
	}
	// json.Unmarshal silently keeps the last value for a repeated key, so
	// duplicate endpoint paths have to be caught on the raw document.
	if dup, ok := duplicateEndpointPath(raw); ok {
		vs = append(vs, Violation{Field: "endpoints", Reason: fmt.Sprintf("duplicate path %q", dup)})
	}

	for i, s := range m.Skills {
		if strings.TrimSpace(s.ID) == "" {
			vs = append(vs, Violation{Field: fmt.Sprintf("skills[%d].id", i), Reason: "is required"})
		}
		if strings.TrimSpace(s.Name) == "" {
			vs = append(vs, Violation{Field: fmt.Sprintf("skills[%d].name", i), Reason: "is required"})
		}
	}

	if len(vs) > 0 {
		return nil, &ValidationError{Violations: vs}
	}
	return &m, nil
}

func validName(name string) bool {
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-':
			if i == 0 || i == len(name)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// duplicateEndpointPath walks the raw JSON token stream and reports the first
// repeated key inside the top-level "endpoints" object.
func duplicateEndpointPath(raw []byte) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	// Find the top-level "endpoints" key.
	tok, err := dec.Token()
	if err != nil {
		return "", false
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return "", false
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return "", false
		}
		key, _ := keyTok.(string)
		if key != "endpoints" {
			if err := skipValue(dec); err != nil {
				return "", false
			}
			continue
		}
		valTok, err := dec.Token()
		if err != nil {
			return "", false
		}
		if d, ok := valTok.(json.Delim); !ok || d != '{' {
			return "", false
		}
		seen := make(map[string]struct{})
		for dec.More() {
			pathTok, err := dec.Token()
			if err != nil {
				return "", false
			}
			path, _ := pathTok.(string)
			if _, dup := seen[path]; dup {
				return path, true
			}
			seen[path] = struct{}{}
			if err := skipValue(dec); err != nil {
				return "", false
			}
		}
		return "", false
	}
	return "", false
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); ok && (d == '{' || d == '[') {
		depth := 1
		for depth > 0 {
			tok, err = dec.Token()
			if err != nil {
				return err
			}
			if d, ok := tok.(json.Delim); ok {
				switch d {
				case '{', '[':
					depth++
				case '}', ']':
					depth--
				}
			}
		}
	}
	return nil
}
