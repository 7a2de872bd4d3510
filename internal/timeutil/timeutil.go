// Package timeutil implements the pure time-partitioning functions that map
// a millisecond timestamp onto a block-aligned base time and a slot in the
// block ring. Every function here is total and side-effect free.
package timeutil

// BaseTime returns the block-aligned start of the block containing t, for a
// given blockSize in milliseconds.
func BaseTime(t, blockSize int64) int64 {
	return t - t%blockSize
}

// BlockPos returns the ring slot, in [0, blocks), that the block containing
// t occupies. blocks is STORE_HISTORY_BLOCKS+1 (the bumper slot).
func BlockPos(t, blockSize, blocks int64) int64 {
	history := blocks * blockSize
	return (BaseTime(t, blockSize) % history) / blockSize
}

// OffsetTime returns the millisecond offset of t within the block that
// starts at tbase.
func OffsetTime(t, tbase int64) int64 {
	return t - tbase
}

// OffsetRange converts an absolute [start, end] window into the
// block-relative offsets used as the datapoints table's range-key
// predicate, clamped to the block's own bounds.
func OffsetRange(tbase, start, end, blockSize int64) (lo, hi int64) {
	lo, hi = start-tbase, end-tbase
	if lo < 0 {
		lo = 0
	}
	if hi > blockSize-1 {
		hi = blockSize - 1
	}
	return lo, hi
}
