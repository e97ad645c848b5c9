package atomicfile

import (
	"context"
	"encoding/json"
)

// UpdateJSON decodes the file into a T, applies mutate and writes the result
// back. A missing file decodes as the zero T.
func UpdateJSON[T any](ctx context.Context, f *File, mutate func(*T) error) error {
	return f.Update(ctx, func(current []byte) ([]byte, error) {
		var doc T
		if len(current) > 0 {
			if err := json.Unmarshal(current, &doc); err != nil {
				return nil, err
			}
		}
		if err := mutate(&doc); err != nil {
			return nil, err
		}
		return json.MarshalIndent(doc, "", "  ")
	})
}

// ReadJSON decodes the current content of the file into a T.
func ReadJSON[T any](ctx context.Context, f *File) (T, error) {
	var doc T
	data, err := f.Read(ctx)
	if err != nil || len(data) == 0 {
		return doc, err
	}
	err = json.Unmarshal(data, &doc)
	return doc, err
}
