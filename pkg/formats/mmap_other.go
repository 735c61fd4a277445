//go:build !unix

package formats

import "os"

// mapFile reads the whole file; platforms without unix mmap get a plain copy.
func mapFile(path string) ([]byte, func(), error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, func() {}, nil
}
