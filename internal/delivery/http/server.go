package http

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Routes is anything that mounts handlers on a mux.
type Routes interface {
	RegisterRoutes(mux *http.ServeMux)
}

// NewServer mounts routes behind the standard middleware stack.
func NewServer(addr, service string, logger *zap.Logger, routes ...Routes) *http.Server {
	mux := http.NewServeMux()
	for _, r := range routes {
		r.RegisterRoutes(mux)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           Chain(mux, Recover(logger), Trace(service), RequestLogger(logger), EnableCORS),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
