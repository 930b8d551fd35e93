package ftpclient

import (
	"io"

	"github.com/klauspost/compress/zlib"
)

// MODE Z frames the data stream as a single zlib (RFC 1950) stream.

func newInflater(r io.Reader) (io.ReadCloser, error) {
	return zlib.NewReader(r)
}

func newDeflater(w io.Writer) *zlib.Writer {
	return zlib.NewWriter(w)
}
