package models

import (
	"context"
	"io"
)

// SourceInfo contains static information about a source.
type SourceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StreamRequest asks a source for the bytes of one rendition starting at Offset.
type StreamRequest struct {
	ContentID   string
	ContentType ContentType
	Quality     Quality
	Offset      int64
}

// Stream is an open byte stream for a rendition.
type Stream struct {
	Body io.ReadCloser
	// Offset is where Body actually starts. A source that cannot honour a
	// ranged request returns 0 here.
	Offset int64
	// TotalSize is the full size of the rendition, 0 when unknown.
	TotalSize int64
	// Checksum is the hex BLAKE2b-256 digest of the full rendition, if advertised.
	Checksum string
	// Extension is the file extension to use for the completed file, with the dot.
	Extension string
}

// Source defines the contract every content origin must implement.
type Source interface {
	GetInfo() SourceInfo
	Open(ctx context.Context, req StreamRequest) (*Stream, error)
}
