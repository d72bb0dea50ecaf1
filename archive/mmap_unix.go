//go:build unix

package archive

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps path read-only. It returns the archive bytes and, when
// the bytes are a live mapping, the region to hand back to unmapFile.
// Empty files and mapping failures fall back to a plain read.
func mapFile(path string) (data, mapped []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := st.Size()
	if size == 0 {
		return []byte{}, nil, nil
	}

	m, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		data, err = os.ReadFile(path)
		return data, nil, err
	}
	return m, m, nil
}

func unmapFile(m []byte) error {
	return unix.Munmap(m)
}
