package server

import (
	"net/http"
	"strings"
)

const anyOrigin = "*"

// Origins is a list of allowed request origins. Empty list or "*" allows any.
type Origins []string

func ParseOrigins(list []string) Origins {
	origins := make(Origins, 0, len(list))
	for _, o := range list {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (o Origins) Any() bool {
	if len(o) == 0 {
		return true
	}
	for _, origin := range o {
		if origin == anyOrigin {
			return true
		}
	}
	return false
}

func (o Origins) Allowed(origin string) bool {
	if o.Any() {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range o {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// CheckOrigin matches websocket.Upgrader.CheckOrigin signature.
// Requests without Origin header are not coming from browsers and are allowed.
func (o Origins) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return o.Allowed(origin)
}

// AllowOriginHeader returns value for Access-Control-Allow-Origin header
// or empty string if origin is not allowed.
func (o Origins) AllowOriginHeader(origin string) string {
	if o.Any() {
		if origin == "" {
			return anyOrigin
		}
		return origin
	}
	if o.Allowed(origin) {
		return origin
	}
	return ""
}
