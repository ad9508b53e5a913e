// Command comtiles-serve is a demonstration Z/X/Y tile HTTP server backed
// by a single COMTiles archive. Grounded on main.go's "serve" subcommand
// and pmtiles/server.go's Server/Get, generalized from pmtiles.Loop's
// filesystem-watching cache to comtiles.ArchiveReader's fragment LRU, and
// using go.uber.org/zap and github.com/rs/cors the way caddy/pmtiles_proxy.go
// and pmtiles/server.go do (rs/cors is declared in the teacher's go.mod but
// never wired into a binary there; this is where it earns its place).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/comtiles/go-comtiles/comtiles"
)

func main() {
	port := flag.String("p", "8080", "port to serve on")
	corsOrigin := flag.String("cors", "", "CORS allowed origin value")
	batchThrottleMs := flag.Int("batch-ms", 0, "coalesce tile reads arriving within this many ms into one range GET (0 disables batching)")
	flag.Parse()

	archiveURL := flag.Arg(0)
	if archiveURL == "" {
		fmt.Println("USAGE: comtiles-serve [-p PORT] [-cors VALUE] [-batch-ms N] BUCKET_URL/KEY.comtiles")
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "comtiles-serve: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	bucketURL, key := splitBucketKey(archiveURL)
	reg := prometheus.NewRegistry()
	stdLogger, _ := zap.NewStdLogAt(logger, zap.WarnLevel)
	metrics := comtiles.NewMetrics(stdLogger, reg)

	server, err := newServer(logger, metrics, bucketURL, key, *batchThrottleMs)
	if err != nil {
		logger.Fatal("failed to initialize server", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/metadata", server.handleMetadata)
	mux.HandleFunc("/", server.handleTile)

	var handler http.Handler = mux
	if *corsOrigin != "" {
		handler = cors.New(cors.Options{AllowedOrigins: []string{*corsOrigin}}).Handler(mux)
	}

	logger.Info("serving", zap.String("archive", archiveURL), zap.String("port", *port), zap.String("corsOrigin", *corsOrigin))
	logger.Fatal("http server exited", zap.Error(http.ListenAndServe(":"+*port, handler)))
}

// server wires one ArchiveReader to a tile HTTP handler. Grounded on
// pmtiles/server.go's Server.Get, replacing its z/x/y path parsing and
// HeaderV3-shaped error codes with comtiles.ArchiveReader's GetTile.
type server struct {
	logger  *zap.Logger
	reader  *comtiles.ArchiveReader
	metrics *comtiles.Metrics
	batched bool
}

func newServer(logger *zap.Logger, metrics *comtiles.Metrics, bucketURL, key string, batchThrottleMs int) (*server, error) {
	ctx := context.Background()
	bucket, err := comtiles.OpenBucket(ctx, bucketURL, "")
	if err != nil {
		return nil, fmt.Errorf("opening bucket %s: %w", bucketURL, err)
	}
	reader, err := comtiles.NewArchiveReader(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping archive %s: %w", key, err)
	}
	reader.SetMetrics(metrics)

	s := &server{logger: logger, reader: reader, metrics: metrics}
	if batchThrottleMs > 0 {
		reader.EnableBatching(batchThrottleMs)
		s.batched = true
	}
	return s, nil
}

// handleTile serves GET /{z}/{x}/{y}.pbf, mirroring the URL shape
// pmtiles/server.go's tile route parses (without its directory/tileset
// prefix segments, since this binary serves exactly one archive).
func (s *server) handleTile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	z, x, y, ok := parseTilePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	var (
		tile []byte
		err  error
	)
	if s.batched {
		tile, err = s.reader.GetTileBatched(r.Context(), z, x, y)
	} else {
		tile, err = s.reader.GetTile(r.Context(), z, x, y)
	}

	switch {
	case err != nil:
		s.logger.Error("tile fetch failed", zap.Uint8("z", z), zap.Uint32("x", x), zap.Uint32("y", y), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	case tile == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.Write(tile)
	}
	s.logger.Info("request", zap.String("path", r.URL.Path), zap.Duration("duration", time.Since(start)))
}

// handleMetadata serves GET /metadata: the archive's bootstrapped
// comtiles.Metadata document as JSON, per SPEC_FULL.md §6.4.
func (s *server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	metadata, err := s.reader.Metadata(r.Context())
	if err != nil {
		s.logger.Error("metadata fetch failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(metadata); err != nil {
		s.logger.Error("metadata encode failed", zap.Error(err))
	}
}

// parseTilePath parses "/{z}/{x}/{y}.pbf" (optional extension).
func parseTilePath(path string) (z uint8, x, y uint32, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	trimmed = strings.TrimSuffix(trimmed, ".pbf")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	zi, errZ := strconv.ParseUint(parts[0], 10, 8)
	xi, errX := strconv.ParseUint(parts[1], 10, 32)
	yi, errY := strconv.ParseUint(parts[2], 10, 32)
	if errZ != nil || errX != nil || errY != nil {
		return 0, 0, 0, false
	}
	return uint8(zi), uint32(xi), uint32(yi), true
}

// splitBucketKey splits "scheme://host/path/KEY.comtiles" into a bucket URL
// (everything up to the last slash) and a key, the same split
// NormalizeBucketKey performs in pmtiles/bucket.go for the "serve" command.
func splitBucketKey(archiveURL string) (bucketURL, key string) {
	idx := strings.LastIndex(archiveURL, "/")
	if idx < 0 {
		return ".", archiveURL
	}
	return archiveURL[:idx], archiveURL[idx+1:]
}
