package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

type formField struct {
	name, value string
}

type formFile struct {
	field, filename, contentType string
	content                      io.Reader
}

// Multipart is a multipart/form-data request body.
type Multipart struct {
	fields  []formField
	files   []formFile
	closers []io.Closer
}

func NewMultipart() *Multipart { return &Multipart{} }

func (m *Multipart) AddField(name, value string) *Multipart {
	m.fields = append(m.fields, formField{name: name, value: value})
	return m
}

// AddFile adds a file part read from r. The content type is derived from
// the filename extension.
func (m *Multipart) AddFile(field, filename string, r io.Reader) *Multipart {
	m.files = append(m.files, formFile{
		field:       field,
		filename:    filepath.Base(filename),
		contentType: contentTypeFor(filename),
		content:     r,
	})
	return m
}

// AddFilePath adds the file at path. The file is closed once the body has
// been encoded.
func (m *Multipart) AddFilePath(field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	m.closers = append(m.closers, f)
	m.AddFile(field, path, f)
	return nil
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encode renders the whole body so it can be sized and replayed.
func (m *Multipart) encode() ([]byte, string, error) {
	defer func() {
		for _, c := range m.closers {
			c.Close()
		}
		m.closers = nil
	}()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range m.fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}
	for _, f := range m.files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(f.field), quoteEscaper.Replace(f.filename)))
		h.Set("Content-Type", f.contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, f.content); err != nil {
			return nil, "", fmt.Errorf("read %s: %w", f.filename, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
