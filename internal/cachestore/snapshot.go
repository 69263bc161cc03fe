package cachestore

import (
	"hash/crc32"
	"net/http"
	"net/url"
)

// ResponseType mirrors the fetch response types a cache may see.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeOpaque ResponseType = "opaque"
)

// Snapshot is an immutable capture of one network response.
type Snapshot struct {
	Method     string // method of the request that produced it
	URL        string // final response URL, after redirects
	Status     int
	Header     http.Header
	Body       []byte
	Type       ResponseType
	SameOrigin bool
	StoredAt   int64 // unix seconds
	Hash32     uint32
}

// NewSnapshot fills Hash32 and drops hop-specific headers.
func NewSnapshot(method, finalURL string, status int, h http.Header, body []byte, typ ResponseType, sameOrigin bool, now int64) Snapshot {
	hdr := cloneHeader(h)
	hdr.Del("Content-Length")
	return Snapshot{
		Method:     method,
		URL:        finalURL,
		Status:     status,
		Header:     hdr,
		Body:       body,
		Type:       typ,
		SameOrigin: sameOrigin,
		StoredAt:   now,
		Hash32:     crc32.ChecksumIEEE(body),
	}
}

// Clone returns a copy that shares no memory with s, so the response can be
// written to a client and to the cache independently.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Header = cloneHeader(s.Header)
	if s.Body != nil {
		out.Body = make([]byte, len(s.Body))
		copy(out.Body, s.Body)
	}
	return out
}

// Cacheable reports whether s may enter the dynamic generation.
func Cacheable(s Snapshot) bool {
	return s.Method == http.MethodGet &&
		s.SameOrigin &&
		s.Status == http.StatusOK &&
		s.Type == TypeBasic
}

// RequestKey canonicalizes a same-origin request URL into a cache key:
// escaped path plus raw query, fragment dropped.
func RequestKey(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		return p + "?" + u.RawQuery
	}
	return p
}

// PathKey is RequestKey for a raw path such as a seed list item.
func PathKey(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return RequestKey(u), nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
