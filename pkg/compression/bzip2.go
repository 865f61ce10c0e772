// Package compression wraps the bzip2 codec the source logs and sink
// files use, plus a gzip helper for rotated dead-letter files. The
// standard library's compress/bzip2 is decompress-only, so writing uses
// a third-party encoder.
package compression

import (
	"bufio"
	"compress/bzip2"
	"io"

	dsnetbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
)

// NewBzip2Reader wraps r in a streaming bzip2 decompressor, used by the
// reader to consume the source access log.
func NewBzip2Reader(r io.Reader) io.Reader {
	return bzip2.NewReader(r)
}

// Bzip2WriterLevel is the block size level (1-9, matching bzip2's 100KB
// block units) used for every sink file. 9 matches the source system's
// default "best compression" setting.
const Bzip2WriterLevel = 9

// NewBzip2WriteCloser wraps w in a streaming bzip2 compressor, used by
// the file sink (through BufferedBzip2Writer) to write anonymized batches.
func NewBzip2WriteCloser(w io.Writer) (io.WriteCloser, error) {
	return dsnetbzip2.NewWriter(w, &dsnetbzip2.WriterConfig{Level: Bzip2WriterLevel})
}

// NewGzipWriteCloser wraps w in a gzip compressor, used to rotate
// dead-letter JSONL files once they cross their size threshold.
func NewGzipWriteCloser(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, gzip.BestSpeed)
}

// BufferedBzip2Writer composes a buffered writer in front of a bzip2
// encoder, so application writes are buffered ahead of the
// comparatively expensive compression call.
type BufferedBzip2Writer struct {
	buf *bufio.Writer
	bz  io.WriteCloser
}

// NewBufferedBzip2Writer returns a writer that buffers up to bufSize bytes
// before handing them to the bzip2 encoder.
func NewBufferedBzip2Writer(w io.Writer, bufSize int) (*BufferedBzip2Writer, error) {
	bz, err := NewBzip2WriteCloser(w)
	if err != nil {
		return nil, err
	}
	return &BufferedBzip2Writer{buf: bufio.NewWriterSize(bz, bufSize), bz: bz}, nil
}

func (b *BufferedBzip2Writer) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

// Close flushes the buffer and closes the underlying bzip2 stream.
func (b *BufferedBzip2Writer) Close() error {
	if err := b.buf.Flush(); err != nil {
		b.bz.Close()
		return err
	}
	return b.bz.Close()
}
