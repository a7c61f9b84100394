package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData is returned when fewer than two usable slices remain.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrDecodeFailure is matched by every *DecodeFailure.
	ErrDecodeFailure = errors.New("decode failure")

	// ErrMeshExtraction is matched by every *MeshExtractionFailure.
	ErrMeshExtraction = errors.New("mesh extraction failure")

	// ErrUnknownKind is returned for a reconstruction kind outside the known set.
	ErrUnknownKind = errors.New("unknown reconstruction kind")

	// ErrSeriesNotFound is returned by providers for an unknown series.
	ErrSeriesNotFound = errors.New("series not found")

	// ErrInvalidRequest is returned for malformed reformat or mesh requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// DecodeFailure reports a slice that could not be read or rescaled.
type DecodeFailure struct {
	Index    int
	Filename string
	Reason   string
}

func (e *DecodeFailure) Error() string {
	if e.Filename != "" {
		return fmt.Sprintf("decode failure: slice %d (%s): %s", e.Index, e.Filename, e.Reason)
	}
	return fmt.Sprintf("decode failure: slice %d: %s", e.Index, e.Reason)
}

func (e *DecodeFailure) Is(target error) bool {
	return target == ErrDecodeFailure
}

// MeshExtractionFailure reports why isosurface extraction produced no mesh.
type MeshExtractionFailure struct {
	Reason string
	Err    error
}

func (e *MeshExtractionFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mesh extraction failure: %s: %v", e.Reason, e.Err)
	}
	return "mesh extraction failure: " + e.Reason
}

func (e *MeshExtractionFailure) Is(target error) bool {
	return target == ErrMeshExtraction
}

func (e *MeshExtractionFailure) Unwrap() error {
	return e.Err
}

// CacheCapacityViolation is the panic value raised when a cache grows past its bound.
type CacheCapacityViolation struct {
	Cache    string
	Size     int
	Capacity int
}

func (e CacheCapacityViolation) Error() string {
	return fmt.Sprintf("cache %s holds %d entries, capacity %d", e.Cache, e.Size, e.Capacity)
}
