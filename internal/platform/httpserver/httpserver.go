package httpserver

import (
	"net/http"
	"time"
)

// New builds the admin server. Health probes are bounded by checkTimeout per
// dependency, so the write timeout leaves room for a handful of them.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}
}
