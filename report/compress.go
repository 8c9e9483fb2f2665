// Copyright (c) 2025 Neomantra Corp
// Reader/Writer Compression helpers for run artifacts.

package report

import (
	"compress/gzip"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

///////////////////////////////////////////////////////////////////////////////

// MakeCompressedWriter returns an io.Writer for the given filename, or
// os.Stdout if filename is "-". Also returns a closing function to defer
// and any error. If the filename ends in ".zst"/".zstd" (or useZstd is
// true) the writer zstd-compresses; ".gz" gzip-compresses.
func MakeCompressedWriter(filename string, useZstd bool) (io.Writer, func(), error) {
	var writer io.Writer
	var closer io.Closer
	fileCloser := func() {
		if closer != nil {
			closer.Close()
		}
	}
	if filename != "-" {
		if file, err := os.Create(filename); err == nil {
			writer, closer = file, file
		} else {
			return nil, nil, err
		}
	} else {
		writer, closer = os.Stdout, nil
	}

	if useZstd || strings.HasSuffix(filename, ".zst") || strings.HasSuffix(filename, ".zstd") {
		zstdWriter, err := zstd.NewWriter(writer)
		if err != nil {
			fileCloser()
			return nil, nil, err
		}
		zstdCloser := func() {
			zstdWriter.Close()
			fileCloser()
		}
		return zstdWriter, zstdCloser, nil
	} else if strings.HasSuffix(filename, ".gz") {
		gzWriter := gzip.NewWriter(writer)
		gzCloser := func() {
			gzWriter.Close()
			fileCloser()
		}
		return gzWriter, gzCloser, nil
	} else {
		return writer, fileCloser, nil
	}
}

///////////////////////////////////////////////////////////////////////////////

// MakeCompressedReader returns an io.Reader for the given filename, or
// os.Stdin if filename is "-", with transparent zstd/gzip decompression by
// extension. Also returns a closing function to defer.
func MakeCompressedReader(filename string, useZstd bool) (io.Reader, func(), error) {
	var reader io.Reader
	var closer io.Closer
	fileCloser := func() {
		if closer != nil {
			closer.Close()
		}
	}
	if filename != "-" {
		if file, err := os.Open(filename); err == nil {
			reader, closer = file, file
		} else {
			return nil, nil, err
		}
	} else {
		reader, closer = os.Stdin, nil
	}

	if useZstd || strings.HasSuffix(filename, ".zst") || strings.HasSuffix(filename, ".zstd") {
		zstdReader, err := zstd.NewReader(reader)
		if err != nil {
			fileCloser()
			return nil, nil, err
		}
		zstdCloser := func() {
			zstdReader.Close()
			fileCloser()
		}
		return zstdReader, zstdCloser, nil
	} else if strings.HasSuffix(filename, ".gz") {
		gzReader, err := gzip.NewReader(reader)
		if err != nil {
			fileCloser()
			return nil, nil, err
		}
		gzCloser := func() {
			gzReader.Close()
			fileCloser()
		}
		return gzReader, gzCloser, nil
	} else {
		return reader, fileCloser, nil
	}
}
