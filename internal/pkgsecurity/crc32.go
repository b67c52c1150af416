package pkgsecurity

import "hash/crc32"

// CRC32 is an incremental, zlib-compatible (IEEE polynomial) checksum, the
// third integrity primitive spec §4.6 lists alongside the SHA digests.
type CRC32 struct {
	sum uint32
}

// NewCRC32 starts a fresh checksum.
func NewCRC32() *CRC32 { return &CRC32{} }

// Write folds p into the running checksum.
func (c *CRC32) Write(p []byte) {
	c.sum = crc32.Update(c.sum, crc32.IEEETable, p)
}

// Sum32 returns the checksum of everything written so far.
func (c *CRC32) Sum32() uint32 { return c.sum }
