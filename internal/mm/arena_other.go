//go:build !unix

package mm

func allocArena(size int) ([]byte, func() error, error) {
	return make([]byte, size), nil, nil
}
