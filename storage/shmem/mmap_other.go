//go:build !unix

package shmem

// there is no anonymous shared mapping via x/sys here, so segments are ordinary heap memory
func mapAnonymous(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmap([]byte) error {
	return nil
}
