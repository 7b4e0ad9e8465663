// Package regions runs a fake multi-region account on loopback: one
// global endpoint answering discovery and one server per region.
package regions

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/kroma-labs/sentinel-pipeline/endpoint"
)

// Region is one regional server that can be taken down and brought back.
type Region struct {
	Name string
	Addr string

	logger zerolog.Logger

	mu  sync.Mutex
	srv *http.Server
}

// NewRegion returns a stopped region.
func NewRegion(name, addr string, logger zerolog.Logger) *Region {
	return &Region{
		Name:   name,
		Addr:   addr,
		logger: logger.With().Str("region", name).Logger(),
	}
}

// Endpoint returns the base URL of the region.
func (r *Region) Endpoint() string {
	return "http://" + r.Addr + "/"
}

// Up reports whether the region is serving.
func (r *Region) Up() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.srv != nil
}

// Start begins serving. Starting a running region is a no-op.
func (r *Region) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", r.Addr)
	if err != nil {
		return fmt.Errorf("region %s: %w", r.Name, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /items", r.handleItems)
	r.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	srv := r.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error().Err(err).Msg("region server failed")
		}
	}()
	r.logger.Info().Str("addr", r.Addr).Msg("region up")
	return nil
}

// Stop closes the listener and every open connection, so new attempts
// see connection refused.
func (r *Region) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.srv == nil {
		return nil
	}

	err := r.srv.Close()
	r.srv = nil
	r.logger.Warn().Msg("region down")
	return err
}

func (r *Region) handleItems(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"region": r.Name,
		"items":  []string{"apple", "banana", "cherry"},
	})
}

// Global serves account discovery for a set of regions. Every region is
// both readable and writable, in the order given.
type Global struct {
	addr    string
	regions []*Region
	srv     *http.Server
}

// NewGlobal returns the discovery server for regions.
func NewGlobal(addr string, regions ...*Region) *Global {
	return &Global{addr: addr, regions: regions}
}

// Start begins serving discovery.
func (g *Global) Start() error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("global: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", g.handleAccount)
	g.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() { _ = g.srv.Serve(ln) }()
	return nil
}

// Shutdown stops the discovery server.
func (g *Global) Shutdown(ctx context.Context) error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown(ctx)
}

func (g *Global) handleAccount(w http.ResponseWriter, _ *http.Request) {
	locs := make([]endpoint.Location, 0, len(g.regions))
	for _, r := range g.regions {
		locs = append(locs, endpoint.Location{Name: r.Name, Endpoint: r.Endpoint()})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(endpoint.Account{
		WritableLocations:            locs,
		ReadableLocations:            locs,
		EnableMultipleWriteLocations: true,
	})
}
