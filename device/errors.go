package device

import "errors"

var (
	// ErrNotFormatted is returned by Load when the first block's magic or
	// product name does not match, meaning the pdev was never formatted by
	// this module.
	ErrNotFormatted = errors.New("device: pdev is not formatted")

	// ErrUUIDMismatch is returned when a pdev's stamped system UUID does not
	// match the UUID the rest of the system is booting with, the same
	// protection this_pdev_hdr.system_uuid provides against an operator
	// swapping in a disk from a different system.
	ErrUUIDMismatch = errors.New("device: system uuid mismatch")

	// ErrIncompatibleLayout is returned when the on-disk super block version
	// is newer than CurrentSuperBlockVersion, or when a dm_chunk's recorded
	// chunk_size disagrees with the currently configured dm_info_size.
	ErrIncompatibleLayout = errors.New("device: incompatible super block version")

	// ErrChecksumMismatch is returned when the first block's checksum does
	// not match its contents.
	ErrChecksumMismatch = errors.New("device: first block checksum mismatch")

	// ErrDeviceIO wraps an underlying drive.Endpoint I/O failure encountered
	// while reading or writing the super block area.
	ErrDeviceIO = errors.New("device: i/o error")

	// ErrNoFreeChunk is returned by ChunkTable.CarveChunk when no free chunk
	// large enough to satisfy the request remains.
	ErrNoFreeChunk = errors.New("device: no free chunk large enough")
)
