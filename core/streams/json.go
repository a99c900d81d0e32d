package streams

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONField is one key/value pair of a JSON stream. Value may be a Stream
// or any json-marshalable value.
type JSONField struct {
	Key   string
	Value interface{}
}

// NewJSON produces a JSON object as a stream. Plain values are marshaled up
// front; Stream values are embedded as string values and streamed in place,
// interleaved with the object framing. Embedded streams must produce
// JSON-string-safe bytes (wrap binary content in a Base64Encode).
//
// The total size is known when every embedded stream knows its size.
func NewJSON(fields ...JSONField) (*Multi, error) {
	parts := make([]Stream, 0, len(fields)*4+2)
	parts = append(parts, NewString("{"))

	for i, field := range fields {
		key, err := json.Marshal(field.Key)
		if err != nil {
			return nil, errors.Wrap(err, "marshal json stream key")
		}
		prefix := string(key) + ":"
		if i > 0 {
			prefix = "," + prefix
		}

		if s, ok := field.Value.(Stream); ok {
			parts = append(parts, NewString(prefix+`"`), s, NewString(`"`))
			continue
		}
		value, err := json.Marshal(field.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal json stream value for %q", field.Key)
		}
		parts = append(parts, NewString(prefix+string(value)))
	}

	parts = append(parts, NewString("}"))
	return NewMulti(parts...), nil
}
