//go:build !unix

package archive

import "os"

// mapFile reads path into memory on platforms without mmap support.
func mapFile(path string) (data, mapped []byte, err error) {
	data, err = os.ReadFile(path)
	return data, nil, err
}

func unmapFile([]byte) error {
	return nil
}
