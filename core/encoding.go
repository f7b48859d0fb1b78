package core

import "encoding/binary"

func leUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func leInt64(v int64) []byte {
	return leUint64(uint64(v))
}
