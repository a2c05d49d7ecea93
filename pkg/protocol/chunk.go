package protocol

// ChunkSize is the fixed transfer and verification unit.
const ChunkSize = 256 * 1024

// Chunk server reply codes; any positive value is a byte count.
const (
	ChunkUnknownHash int32 = -1
	ChunkPastEnd     int32 = 0
)

// TotalChunks returns ceil(size / ChunkSize).
func TotalChunks(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// ChunkOffset is the first byte of chunk index.
func ChunkOffset(index int) int64 {
	return int64(index) * ChunkSize
}

// ChunkLength is the number of bytes chunk index covers in a file of the given size.
func ChunkLength(index int, size int64) int {
	offset := ChunkOffset(index)
	if index < 0 || offset >= size {
		return 0
	}
	if remaining := size - offset; remaining < ChunkSize {
		return int(remaining)
	}
	return ChunkSize
}
