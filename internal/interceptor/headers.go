package interceptor

import (
	"net/http"
	"strings"

	"offline0/internal/cachestore"
)

// StatusHeader reports how the gateway answered: hit, miss, bypass, offline,
// bad-gateway or refused.
const StatusHeader = "X-Offline0"

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func writeSnapshot(w http.ResponseWriter, s cachestore.Snapshot, status string) {
	for k, vs := range s.Header {
		if strings.EqualFold(k, StatusHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setStatusHeaders(w.Header(), status)
	w.WriteHeader(s.Status)
	_, _ = w.Write(s.Body)
}

func setStatusHeaders(h http.Header, status string) {
	if status != "" {
		h.Set(StatusHeader, status)
	}
	// Custom headers are not readable from JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, StatusHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
}
