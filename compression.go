package kvtable

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Shared zstd coders; both are safe for concurrent use via EncodeAll and
// DecodeAll. NewWriter/NewReader only fail on invalid options.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// lz4CompressFrame appends an lz4 frame of src to dst. The frame format is
// self-describing, so no uncompressed-size prefix is needed.
func lz4CompressFrame(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	zw := lz4.NewWriter(buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4DecompressFrame(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}
