package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Response is a successful (2xx) reply. Body holds the payload unless the
// call used WithStream, in which case Stream must be closed by the caller.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// Decode unmarshals the JSON payload into out. A 204 or empty body leaves
// out untouched.
func (r *Response) Decode(out any) error {
	if r.Stream != nil {
		defer r.Stream.Close()
		err := json.NewDecoder(r.Stream).Decode(out)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, out)
}

// Page normalizes a paginated payload.
func (r *Response) Page() (*Page, error) {
	if r.Stream != nil {
		defer r.Stream.Close()
		b, err := io.ReadAll(r.Stream)
		if err != nil {
			return nil, err
		}
		return ParsePage(b)
	}
	return ParsePage(r.Body)
}

func (r *Response) Close() error {
	if r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}
