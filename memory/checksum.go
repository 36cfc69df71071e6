package memory

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the integrity tag of a region.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}
