package localstore

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Manifest layout, big endian:
//
//	size (8) | chunk count (4) | chunk hashes (32 each)
const manifestHeaderSize = 8 + 4

func encodeManifest(size uint64, hashes [][sha256.Size]byte) []byte {
	buf := make([]byte, manifestHeaderSize, manifestHeaderSize+len(hashes)*sha256.Size)
	binary.BigEndian.PutUint64(buf[0:8], size)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(hashes)))
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	return buf
}

func decodeManifest(buf []byte) (uint64, [][sha256.Size]byte, error) {
	if len(buf) < manifestHeaderSize {
		return 0, nil, fmt.Errorf("manifest too short: %d bytes", len(buf))
	}
	size := binary.BigEndian.Uint64(buf[0:8])
	count := int(binary.BigEndian.Uint32(buf[8:12]))
	body := buf[manifestHeaderSize:]
	if len(body) != count*sha256.Size {
		return 0, nil, fmt.Errorf(
			"manifest lists %d chunks but carries %d hash bytes",
			count, len(body),
		)
	}
	hashes := make([][sha256.Size]byte, count)
	for i := range hashes {
		copy(hashes[i][:], body[i*sha256.Size:])
	}
	return size, hashes, nil
}
