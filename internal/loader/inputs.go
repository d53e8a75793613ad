package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoInput reports that a named input does not exist. The loader treats it
// as an empty small table, not a failure.
var ErrNoInput = errors.New("input not found")

// Inputs resolves the named inputs of one task to byte streams.
type Inputs interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// MapInputs serves inputs from memory.
type MapInputs map[string][]byte

// Open implements Inputs.
func (m MapInputs) Open(_ context.Context, name string) (io.ReadCloser, error) {
	data, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoInput)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DirInputs serves inputs from files under Root. A missing file is an absent
// input.
type DirInputs struct {
	Root string
}

// Open implements Inputs.
func (d DirInputs) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("input name %q escapes %s", name, d.Root)
	}
	f, err := os.Open(filepath.Join(d.Root, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrNoInput)
		}
		return nil, err
	}
	return f, nil
}

// String implements fmt.Stringer.
func (d DirInputs) String() string {
	return "dir:" + strings.TrimSuffix(d.Root, string(filepath.Separator))
}
