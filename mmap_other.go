//go:build !unix

package dbrew

import (
	"errors"
)

func mapCode(size int) ([]byte, error) {
	return nil, errors.New("dbrew: executable memory not supported")
}

func unmapCode(b []byte) error { return nil }
