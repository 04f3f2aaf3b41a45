// Package crc computes the header checksums used by the first block, chunk
// info table, and meta-block headers (§3, §6). No third-party checksum
// library appears anywhere in the retrieved example pack — the one
// domain-specific checksum the pack shows (APFS's hand-rolled Fletcher-64 in
// deploymenttheory-go-apfs) is tied to the APFS on-disk format and isn't a
// reusable library. hash/crc32 is the idiomatic stdlib choice here and is
// used the same way by a wide swath of the Go storage ecosystem (bbolt,
// etcd) for exactly this kind of header checksum.
package crc

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// Checksum32 returns the CRC32C checksum of buf.
func Checksum32(buf []byte) uint32 {
	return crc32.Checksum(buf, table)
}
