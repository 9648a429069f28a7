package util

import (
	"fmt"

	"github.com/vmihailenco/msgpack"
)

// ToBlock encodes obj with msgpack into a zero padded slice of size bytes.
func ToBlock[T any](obj T, size int) ([]byte, error) {
	res := make([]byte, size)

	data, err := msgpack.Marshal(obj)
	if err != nil {
		return nil, err
	}
	if len(data) > size {
		return nil, fmt.Errorf("encoded size %d exceeds block size %d", len(data), size)
	}
	copy(res, data)

	return res, nil
}

// FromBlock decodes a value previously written by ToBlock. Trailing padding
// is ignored by the decoder.
func FromBlock[T any](data []byte) (T, error) {
	var res T

	if err := msgpack.Unmarshal(data, &res); err != nil {
		return res, err
	}

	return res, nil
}
