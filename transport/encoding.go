package transport

import (
	"encoding/binary"
	"math"
)

func appendInt32(buf []byte, v int32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendFloat64(buf []byte, v float64) []byte {
	return appendUint64(buf, math.Float64bits(v))
}

func appendLengthPrefixed(buf []byte, data []byte) []byte {
	buf = appendInt64(buf, int64(len(data)))
	return append(buf, data...)
}
