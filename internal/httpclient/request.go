package httpclient

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/baechuer/productbazar-client/internal/domain"
)

// Options tunes a single request.
type Options struct {
	Params  url.Values
	Body    any
	Headers map[string]string
	// Multipart replaces Body with a multipart/form-data payload.
	Multipart *Multipart
	// Timeout overrides the client default per attempt.
	Timeout time.Duration
	// RetryCount is the number of extra attempts for transient and rate-limited failures.
	RetryCount int
	// Priority requests are never superseded and carry a cache-busting timestamp.
	Priority bool
}

// File is one binary part of a multipart body.
type File struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

type Multipart struct {
	Fields map[string]string
	Files  []File
}

func (m *Multipart) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, m.Fields[k]); err != nil {
			return nil, "", err
		}
	}
	for _, f := range m.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+f.Field+`"; filename="`+f.Name+`"`)
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// encodedBody is built once and replayed for every attempt.
type encodedBody struct {
	data        []byte
	contentType string
}

func (b *encodedBody) reader() io.Reader {
	if b == nil || b.data == nil {
		return nil
	}
	return bytes.NewReader(b.data)
}

func encodeBody(opts Options) (*encodedBody, error) {
	switch {
	case opts.Multipart != nil:
		data, ct, err := opts.Multipart.encode()
		if err != nil {
			return nil, domain.Wrap(domain.KindValidation, "invalid_body", "could not encode form", err)
		}
		return &encodedBody{data: data, contentType: ct}, nil
	case opts.Body != nil:
		if raw, ok := opts.Body.([]byte); ok {
			return &encodedBody{data: raw, contentType: "application/json"}, nil
		}
		data, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, domain.Wrap(domain.KindValidation, "invalid_body", "could not encode body", err)
		}
		return &encodedBody{data: data, contentType: "application/json"}, nil
	}
	return nil, nil
}

var stampSeq atomic.Int64

// cacheBust returns a strictly increasing timestamp for priority requests.
func cacheBust() string {
	now := time.Now().UnixNano()
	for {
		prev := stampSeq.Load()
		if now <= prev {
			now = prev + 1
		}
		if stampSeq.CompareAndSwap(prev, now) {
			return strconv.FormatInt(now, 10)
		}
	}
}
