package ftpclient

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// lookupCharset resolves an IANA charset name. UTF-8 resolves to nil, which
// means bytes are passed through unchanged.
func lookupCharset(name string) (encoding.Encoding, error) {
	if isUTF8(name) {
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", name)
	}
	return enc, nil
}

func isUTF8(name string) bool {
	return strings.EqualFold(name, "UTF-8") || strings.EqualFold(name, "UTF8")
}

// newTextReader converts a textual data stream to local text: the remote
// charset is decoded to UTF-8 and CRLF line endings become LF.
func newTextReader(r io.Reader, charset encoding.Encoding) io.Reader {
	if charset == nil {
		return transform.NewReader(r, crlfToLF{})
	}
	return transform.NewReader(r, transform.Chain(charset.NewDecoder(), crlfToLF{}))
}

// newTextWriter is the inverse of newTextReader. Close must be called to
// flush a trailing partial sequence; it does not close w.
func newTextWriter(w io.Writer, charset encoding.Encoding) io.WriteCloser {
	if charset == nil {
		return transform.NewWriter(w, &lfToCRLF{})
	}
	return transform.NewWriter(w, transform.Chain(&lfToCRLF{}, charset.NewEncoder()))
}

// crlfToLF drops the CR of every CRLF pair.
type crlfToLF struct{ transform.NopResetter }

func (crlfToLF) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\r' {
			if nSrc+1 == len(src) {
				if !atEOF {
					return nDst, nSrc, transform.ErrShortSrc
				}
			} else if src[nSrc+1] == '\n' {
				nSrc++
				continue
			}
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}

// lfToCRLF turns every bare LF into CRLF. Existing CRLF pairs are kept.
type lfToCRLF struct {
	prevCR bool
}

func (t *lfToCRLF) Reset() {
	t.prevCR = false
}

func (t *lfToCRLF) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\n' && !t.prevCR {
			if nDst+2 > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = '\r'
			dst[nDst+1] = '\n'
			nDst += 2
		} else {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
		}
		t.prevCR = c == '\r'
		nSrc++
	}
	return nDst, nSrc, nil
}
