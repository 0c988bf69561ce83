package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
)

// maxBodyBytes bounds submission bodies.
const maxBodyBytes = 1 << 20

// parsePayload reads a JSON object or URL-encoded form body. Bodies that
// cannot be parsed yield an empty payload, which the pipeline rejects as
// missing form data.
func parsePayload(w http.ResponseWriter, r *http.Request) map[string]any {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/json":
		// Numbers stay json.Number so phone numbers and ZIPs render as sent.
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()

		var payload map[string]any
		if err := dec.Decode(&payload); err != nil {
			slog.Debug("unparsable JSON body", "error", err)
			return map[string]any{}
		}
		if payload == nil {
			return map[string]any{}
		}
		return payload

	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			slog.Debug("unparsable form body", "error", err)
			return map[string]any{}
		}
		payload := make(map[string]any, len(r.PostForm))
		for k, values := range r.PostForm {
			if len(values) > 0 {
				payload[k] = values[0]
			}
		}
		return payload

	default:
		return map[string]any{}
	}
}

// clientIP prefers the Cloudflare header, then the first X-Forwarded-For
// hop, then the socket address.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
