package memlanes

import (
	"io"
)

// The stream adapters over fragments and highways are external
// collaborators; this package defines only their contracts.

// FragmentStream is a seekable, fixed-length byte stream over a single
// fragment. Reads and writes move a shared position within
// [0, Len()]; writes never grow the stream.
type FragmentStream interface {
	io.ReadWriteSeeker
	io.Closer

	// Len returns the stream length, initially the fragment's length.
	Len() int64

	// SetLength shrinks the stream; growing past the fragment's length is a
	// SizeOutOfRange error.
	SetLength(length int64) error

	// Fragment returns the underlying fragment. The stream does not own it;
	// disposal remains the caller's responsibility.
	Fragment() *Fragment
}

// HighwayStream is a seekable, growable byte stream backed by
// fixed-size fragment tiles allocated from a highway.
type HighwayStream interface {
	io.ReadWriteSeeker
	io.Closer

	// Len returns the current stream length.
	Len() int64

	// SetLength grows or shrinks the stream, allocating or disposing whole
	// tiles as needed.
	SetLength(length int64) error

	// TileSize returns the fragment tile size the stream was constructed
	// with.
	TileSize() int64

	// Dispose releases all tiles back to the highway. It does not dispose
	// the highway itself.
	Dispose() error
}
