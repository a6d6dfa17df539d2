// Package snapshot exports kernel snapshots as canonical CBOR, optionally
// zstd-compressed. Canonical encoding makes equal snapshots encode to
// equal bytes, so Digest doubles as an ETag.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// MaxSize bounds a decompressed snapshot.
const MaxSize = 64 << 20

// ErrTooLarge reports a snapshot beyond MaxSize.
var ErrTooLarge = errors.New("snapshot: too large")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: cbor enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: cbor dec mode: %v", err))
	}
	decMode = dm
}

// Encode returns the canonical CBOR encoding of s.
func Encode(s kernel.Snapshot) ([]byte, error) {
	b, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	return b, nil
}

// Decode parses a CBOR snapshot.
func Decode(data []byte) (kernel.Snapshot, error) {
	var s kernel.Snapshot
	if len(data) > MaxSize {
		return s, ErrTooLarge
	}
	if err := decMode.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("snapshot: decode: %w", err)
	}
	return s, nil
}

// Digest returns the hex SHA-256 of the canonical encoding.
func Digest(s kernel.Snapshot) (string, error) {
	b, err := Encode(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Write writes s to w as a zstd frame of CBOR.
func Write(w io.Writer, s kernel.Snapshot) error {
	b, err := Encode(s)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("snapshot: zstd: %w", err)
	}
	if _, err := zw.Write(b); err != nil {
		zw.Close()
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("snapshot: write: %w", err)
	}
	return nil
}

// Read reads a snapshot written by Write.
func Read(r io.Reader) (kernel.Snapshot, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(MaxSize))
	if err != nil {
		return kernel.Snapshot{}, fmt.Errorf("snapshot: zstd: %w", err)
	}
	defer zr.Close()

	b, err := io.ReadAll(io.LimitReader(zr, MaxSize+1))
	if err != nil {
		return kernel.Snapshot{}, fmt.Errorf("snapshot: read: %w", err)
	}
	return Decode(b)
}
