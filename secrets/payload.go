package secrets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

// decodePayload parses a JSON object of scalar values into a flat field
// mapping. Nested objects, arrays and nulls make the whole payload malformed.
func decodePayload(data []byte) (map[string]string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", interfaces.ErrMalformedSecret)
	}

	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", interfaces.ErrMalformedSecret)
	}

	return flattenFields(raw)
}

// flattenFields converts scalar values to strings.
func flattenFields(raw map[string]interface{}) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no fields", interfaces.ErrMalformedSecret)
	}

	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			fields[key] = v
		case json.Number:
			fields[key] = v.String()
		case float64:
			fields[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			fields[key] = strconv.FormatBool(v)
		default:
			return nil, fmt.Errorf("%w: field %q is not a scalar", interfaces.ErrMalformedSecret, key)
		}
	}
	return fields, nil
}
