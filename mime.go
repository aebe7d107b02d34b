package filestore

import (
	"bufio"
	"io"
	"mime"
	"path"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMimeType is reported when neither the contents nor the extension
// identify a file.
const DefaultMimeType = "application/octet-stream"

// SniffLen is how much of the start of a file DetectMimeType looks at.
const SniffLen = 3072

// WriteOption configures a single Write.
type WriteOption func(*WriteOptions)

// WriteOptions holds the options of one Write.
type WriteOptions struct {
	// ContentType is stored with the file by backends that keep object
	// metadata. Empty means detect it from the data and the path.
	ContentType string
}

// WithContentType sets the MIME type stored with the written file.
func WithContentType(contentType string) WriteOption {
	return func(o *WriteOptions) {
		o.ContentType = contentType
	}
}

// ApplyWriteOptions folds opts into a WriteOptions.
func ApplyWriteOptions(opts ...WriteOption) WriteOptions {
	var o WriteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DetectMimeType identifies the file at p from its first bytes, falling
// back to the extension when the contents are inconclusive. head may be
// nil.
func DetectMimeType(p string, head []byte) string {
	var sniffed string
	if len(head) > 0 {
		if len(head) > SniffLen {
			head = head[:SniffLen]
		}
		t := mimetype.Detect(head)
		if !t.Is("text/plain") && !t.Is(DefaultMimeType) {
			return t.String()
		}
		sniffed = t.String()
	}
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	if sniffed != "" {
		return sniffed
	}
	return DefaultMimeType
}

// ResolveContentType returns o.ContentType, or the type detected from the
// start of data when it is empty. The returned reader yields all of data.
func (o WriteOptions) ResolveContentType(p string, data io.Reader) (string, io.Reader, error) {
	if o.ContentType != "" {
		return o.ContentType, data, nil
	}
	br := bufio.NewReaderSize(data, SniffLen)
	head, err := br.Peek(SniffLen)
	if err != nil && err != io.EOF {
		return "", nil, err
	}
	return DetectMimeType(p, head), br, nil
}
