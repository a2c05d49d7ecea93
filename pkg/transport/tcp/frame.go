package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"tarun-kavipurapu/swarm-stream/pkg/protocol"
)

// Chunk request: [hash length (2 bytes)] + [hash (UTF-8)] + [chunk index (4 bytes)]
// Chunk reply:   [status/length (4 bytes)] + [data (length bytes, when length > 0)]
// All integers are big-endian.

var ErrStringTooLong = errors.New("string exceeds 65535 bytes")

// WriteString writes a 16-bit length prefixed UTF-8 string.
func WriteString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLong
	}
	buf := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(buf, uint16(len(s)))
	copy(buf[2:], s)
	_, err := w.Write(buf)
	return err
}

// ReadString reads a 16-bit length prefixed UTF-8 string.
func ReadString(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func WriteInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// WriteChunkRequest sends the hash and chunk index in a single write.
func WriteChunkRequest(w io.Writer, hash string, index int32) error {
	if len(hash) > math.MaxUint16 {
		return ErrStringTooLong
	}
	buf := make([]byte, 2+len(hash)+4)
	binary.BigEndian.PutUint16(buf, uint16(len(hash)))
	copy(buf[2:], hash)
	binary.BigEndian.PutUint32(buf[2+len(hash):], uint32(index))
	_, err := w.Write(buf)
	return err
}

// ReadChunkRequest is the server side of WriteChunkRequest.
func ReadChunkRequest(r io.Reader) (string, int32, error) {
	hash, err := ReadString(r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read hash: %w", err)
	}
	index, err := ReadInt32(r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read chunk index: %w", err)
	}
	return hash, index, nil
}

// WriteChunkData replies with a byte count followed by the bytes.
func WriteChunkData(w io.Writer, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// ReadChunkReply returns the status code and, for a positive code, the data.
// Lengths above protocol.ChunkSize are rejected before allocating.
func ReadChunkReply(r io.Reader) (int32, []byte, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read reply header: %w", err)
	}
	if n <= 0 {
		return n, nil, nil
	}
	if n > protocol.ChunkSize {
		return n, nil, fmt.Errorf("chunk length %d exceeds %d", n, protocol.ChunkSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return n, nil, fmt.Errorf("failed to read chunk data: %w", err)
	}
	return n, data, nil
}
