package record

import "fmt"

// Encode serializes a record (or any value stored next to records) with the
// codec selected at build time.
func Encode(v any) ([]byte, error) {
	data, err := jsonMarshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte, v any) error {
	if err := jsonUnmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
