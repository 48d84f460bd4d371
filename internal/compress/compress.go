// Package compress implements the artifact codecs: in-place compression of a dump,
// streaming decompression for restore, and a full-stream integrity test.
package compress

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec names a compression container.
type Codec string

const (
	Zstd Codec = "zstd"
	Gzip Codec = "gzip"
)

// ErrCorrupt indicates the compressed stream cannot be fully decoded.
var ErrCorrupt = errors.New("corrupt compressed stream")

// ErrUnknownCodec is returned for unsupported codec names or file extensions.
var ErrUnknownCodec = errors.New("unknown compression codec")

// ParseCodec maps a configuration value to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch Codec(strings.ToLower(name)) {
	case Zstd:
		return Zstd, nil
	case Gzip:
		return Gzip, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// Ext returns the file extension appended to compressed artifacts.
func (c Codec) Ext() string {
	if c == Gzip {
		return ".gz"
	}
	return ".zst"
}

// CodecFor infers the codec from an artifact path.
func CodecFor(path string) (Codec, error) {
	switch {
	case strings.HasSuffix(path, ".zst"):
		return Zstd, nil
	case strings.HasSuffix(path, ".gz"):
		return Gzip, nil
	}
	return "", fmt.Errorf("%w: cannot infer from %q", ErrUnknownCodec, path)
}

// CompressFile compresses inputPath to inputPath+ext and removes the original.
// The output only appears under its final name once fully written.
func CompressFile(codec Codec, inputPath string) (string, error) {
	outputPath := inputPath + codec.Ext()
	partial := outputPath + ".partial"

	inFile, err := os.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("failed to open input file: %w", err)
	}
	defer inFile.Close()

	outFile, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(partial)
	defer outFile.Close()

	writer, err := newWriter(codec, outFile)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(writer, inFile); err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to compress file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to flush %s stream: %w", codec, err)
	}
	if err := outFile.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync output file: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close output file: %w", err)
	}
	if err := os.Rename(partial, outputPath); err != nil {
		return "", fmt.Errorf("failed to finalize output file: %w", err)
	}

	if err := os.Remove(inputPath); err != nil {
		return "", fmt.Errorf("failed to remove original file: %w", err)
	}
	return outputPath, nil
}

// DecompressFile writes the decompressed content of inputPath to outputPath.
func DecompressFile(inputPath, outputPath string) error {
	codec, err := CodecFor(inputPath)
	if err != nil {
		return err
	}
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open compressed file: %w", err)
	}
	defer in.Close()

	reader, err := NewReader(codec, in)
	if err != nil {
		return err
	}
	defer reader.Close()

	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out.Close()
}

// Test decodes the whole artifact and discards the output, so truncation and
// checksum errors inside the container are caught, not just a bad header.
func Test(path string) error {
	codec, err := CodecFor(path)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: empty file", ErrCorrupt)
	}

	reader, err := NewReader(codec, f)
	if err != nil {
		return err
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

// NewReader wraps r in a decompressor for codec.
func NewReader(codec Codec, r io.Reader) (io.ReadCloser, error) {
	switch codec {
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return dec.IOReadCloser(), nil
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return gz, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
}

func newWriter(codec Codec, w io.Writer) (io.WriteCloser, error) {
	switch codec {
	case Zstd:
		enc, err := zstd.NewWriter(w, zstd.WithZeroFrames(true))
		if err != nil {
			return nil, fmt.Errorf("failed to create Zstandard writer: %w", err)
		}
		return enc, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
}
