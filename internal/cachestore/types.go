package cachestore

import (
	"hash/crc32"
	"net/http"
	"strings"
	"time"
)

type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// NewEntry copies header and drops Content-Length, which is recomputed when
// the entry is written back out.
func NewEntry(status int, header http.Header, body []byte) Entry {
	ent := Entry{
		Status:   status,
		Header:   CloneHeader(header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

// RequestKey is the identity a response is stored under: method and request URI.
func RequestKey(method, requestURI string) string {
	return strings.ToUpper(method) + " " + requestURI
}

// KeyFor returns the RequestKey of r.
func KeyFor(r *http.Request) string {
	return RequestKey(r.Method, r.URL.RequestURI())
}

func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
