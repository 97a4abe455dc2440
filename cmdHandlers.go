package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mdobak/go-xerrors"
	"golang.org/x/sync/errgroup"

	"rfwatch/config"
	"rfwatch/db"
	"rfwatch/drone"
	"rfwatch/engine"
	"rfwatch/metrics"
	"rfwatch/models"
	"rfwatch/mq"
	"rfwatch/utils"
)

const (
	maxSignalBodyBytes     = 8 << 20
	defaultSearchRadiusKm  = 5.0
	shutdownTimeout        = 5 * time.Second
	httpReadHeaderTimeout  = 10 * time.Second
	statusPublishPerSecond = 1
)

type apiError struct {
	Message string `json:"message"`
}

type ingestResponse struct {
	Received int `json:"received"`
	Accepted int `json:"accepted"`
	Window   int `json:"window"`
}

type signaturesResponse struct {
	Added *drone.ManufacturerSignature `json:"added,omitempty"`
	Stats drone.LibraryStats           `json:"stats"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		utils.GetLogger().Error("failed to encode JSON response", slog.Any("error", err))
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Message: message})
}

// apiHandlers serves the REST surface over a running engine.
type apiHandlers struct {
	runner        *engine.Runner
	store         db.DBClient
	metrics       *metrics.Metrics
	allowedOrigin string
	logger        *slog.Logger
}

func newAPIHandlers(runner *engine.Runner, store db.DBClient, m *metrics.Metrics, allowedOrigin string) *apiHandlers {
	return &apiHandlers{
		runner:        runner,
		store:         store,
		metrics:       m,
		allowedOrigin: allowedOrigin,
		logger:        utils.GetLogger(),
	}
}

func (h *apiHandlers) routes(socket http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	if socket != nil {
		mux.Handle("/socket.io/", socket)
	}
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "window": h.runner.WindowSize()})
	})
	mux.Handle("/api/signals", h.wrap("signals", []string{http.MethodPost}, h.handleSignals))
	mux.Handle("/api/snapshot", h.wrap("snapshot", []string{http.MethodGet}, h.handleSnapshot))
	mux.Handle("/api/drones", h.wrap("drones", []string{http.MethodGet}, h.handleDrones))
	mux.Handle("/api/drones/{id}", h.wrap("drone", []string{http.MethodGet}, h.handleDrone))
	mux.Handle("/api/patterns", h.wrap("patterns", []string{http.MethodGet}, h.handlePatterns))
	mux.Handle("/api/signatures", h.wrap("signatures", []string{http.MethodGet, http.MethodPost}, h.handleSignatures))
	mux.Handle("/api/detections", h.wrap("detections", []string{http.MethodGet}, h.handleDetections))
	mux.Handle("/api/reset", h.wrap("reset", []string{http.MethodPost}, h.handleReset))
	return mux
}

// wrap applies CORS, method filtering, panic recovery and request timing.
func (h *apiHandlers) wrap(route string, methods []string, next http.HandlerFunc) http.Handler {
	allow := strings.Join(append([]string{http.MethodOptions}, methods...), ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		defer func() { h.metrics.RecordHTTP(route, time.Since(started)) }()
		defer func() {
			if rec := recover(); rec != nil {
				err := xerrors.New(fmt.Errorf("panic in %s handler: %v", route, rec))
				h.logger.ErrorContext(r.Context(), "handler panic", slog.Any("error", err))
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		if h.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", h.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", allow)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		for _, m := range methods {
			if r.Method == m {
				next(w, r)
				return
			}
		}
		w.Header().Set("Allow", allow)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func (h *apiHandlers) handleSignals(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignalBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	signals, err := mq.DecodeSignals(body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to parse signals", slog.Any("error", err))
		writeJSONError(w, http.StatusBadRequest, "invalid signal payload")
		return
	}
	accepted := h.runner.Ingest(signals...)
	writeJSON(w, http.StatusAccepted, ingestResponse{
		Received: len(signals),
		Accepted: accepted,
		Window:   h.runner.WindowSize(),
	})
}

func (h *apiHandlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.runner.Latest()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no snapshot yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *apiHandlers) handleDrones(w http.ResponseWriter, r *http.Request) {
	var drones []drone.Signature
	switch r.URL.Query().Get("status") {
	case "", "active":
		drones = h.runner.ActiveDrones()
	case "lost", "history":
		drones = h.runner.DroneHistory()
	default:
		writeJSONError(w, http.StatusBadRequest, "status must be active or lost")
		return
	}
	if drones == nil {
		drones = []drone.Signature{}
	}
	writeJSON(w, http.StatusOK, drones)
}

func (h *apiHandlers) handleDrone(w http.ResponseWriter, r *http.Request) {
	d, ok := h.runner.Drone(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "drone not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *apiHandlers) handlePatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"patterns":   h.runner.ActivePatterns(),
		"statistics": h.runner.PatternStatistics(),
	})
}

func (h *apiHandlers) handleSignatures(w http.ResponseWriter, r *http.Request) {
	lib := h.runner.SignatureLibrary()
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, signaturesResponse{Stats: lib.Stats()})
		return
	}

	var sig drone.ManufacturerSignature
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSignalBodyBytes)).Decode(&sig); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid signature payload")
		return
	}
	if err := lib.AddSignature(sig); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := lib.SaveToFile(); err != nil {
		// The signature stays active in memory.
		h.logger.ErrorContext(r.Context(), "failed to save signatures to disk", slog.Any("error", xerrors.New(err)))
	} else {
		h.logger.InfoContext(r.Context(), "persisted signatures to disk", slog.String("id", sig.ID))
	}
	writeJSON(w, http.StatusCreated, signaturesResponse{Added: &sig, Stats: lib.Stats()})
}

func (h *apiHandlers) handleDetections(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "detection storage disabled")
		return
	}

	q := r.URL.Query()
	kind := q.Get("kind")
	limit, err := queryInt(q.Get("limit"))
	if err != nil || limit < 0 {
		writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	var found []models.Detection
	if q.Has("lat") || q.Has("lng") {
		lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
		lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
		if latErr != nil || lngErr != nil {
			writeJSONError(w, http.StatusBadRequest, "lat and lng must both be numbers")
			return
		}
		radius := defaultSearchRadiusKm
		if raw := q.Get("radius"); raw != "" {
			radius, err = strconv.ParseFloat(raw, 64)
			if err != nil || radius <= 0 {
				writeJSONError(w, http.StatusBadRequest, "radius must be a positive number of kilometres")
				return
			}
		}
		found, err = h.store.GetDetectionsByLocation(lat, lng, radius)
		found = filterDetections(found, kind, limit)
	} else if kind != "" || limit > 0 {
		found, err = h.store.GetRecentDetections(kind, limit)
	} else {
		found, err = h.store.GetAllDetections()
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load detections", slog.Any("error", xerrors.New(err)))
		writeJSONError(w, http.StatusInternalServerError, "failed to load detections")
		return
	}
	if found == nil {
		found = []models.Detection{}
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *apiHandlers) handleReset(w http.ResponseWriter, r *http.Request) {
	h.runner.Reset()
	h.logger.InfoContext(r.Context(), "engine state reset")
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func filterDetections(in []models.Detection, kind string, limit int) []models.Detection {
	out := in[:0]
	for _, d := range in {
		if kind == "" || d.Kind == kind {
			out = append(out, d)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func serve(ctx context.Context, configPath string, port int) error {
	logger := utils.GetLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	m := metrics.New()

	store, err := db.NewDBClient(cfg.Database)
	if err != nil {
		return fmt.Errorf("open detection store: %w", err)
	}
	if store != nil {
		defer store.Close()
	} else {
		logger.InfoContext(ctx, "detection storage disabled")
	}

	lib, err := drone.NewSignatureLibraryFromFile(cfg.SignaturesPath, drone.DefaultMatchThreshold)
	if err != nil {
		return fmt.Errorf("load drone signatures: %w", err)
	}

	socketServer := newSocketServer(cfg.Server.AllowedOrigin)
	defer socketServer.Close()

	opts := []engine.Option{
		engine.WithStore(store),
		engine.WithMetrics(m),
		engine.WithSignatureLibrary(lib),
	}

	var publisher *mq.AlertPublisher
	if cfg.MQTT.Enabled() {
		publisher, err = mq.NewAlertPublisher(mq.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, m)
		if err != nil {
			logger.WarnContext(ctx, "MQTT disabled", slog.Any("error", err))
			publisher = nil
		} else {
			defer publisher.Close()
			opts = append(opts, engine.WithAlertSink(publisher))
		}
	}

	runner := engine.NewRunner(cfg.Engine, opts...)
	defer runner.Close()

	controller := newSocketController(runner)
	controller.register(socketServer)
	runner.AddAlertSink(controller)

	go func() {
		if err := socketServer.Serve(); err != nil {
			logger.Error("socketio listen error", slog.Any("error", xerrors.New(err)))
		}
	}()

	api := newAPIHandlers(runner, store, m, cfg.Server.AllowedOrigin)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.routes(socketServer),
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}

	statusEvery := uint64(max(1, int(cfg.Engine.TickRateHz/statusPublishPerSecond)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx, func(snap engine.Snapshot) {
			controller.broadcastSnapshot(snap)
			if publisher != nil && snap.Tick%statusEvery == 0 {
				if err := publisher.PublishStatus(gctx, snap); err != nil {
					logger.WarnContext(gctx, "failed to publish status", slog.Any("error", err))
				}
			}
		})
	})

	if cfg.Kafka.Enabled() {
		reader := mq.NewSignalReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, runner, m)
		defer reader.Close()
		g.Go(func() error { return reader.Run(gctx) })
		logger.InfoContext(ctx, "consuming signals from kafka",
			slog.String("topic", cfg.Kafka.Topic),
			slog.Any("brokers", cfg.Kafka.Brokers))
	}

	g.Go(func() error {
		logger.InfoContext(ctx, "starting HTTP server", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server ListenAndServe: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

// replay runs one tick over a recorded batch with the clock pinned to the
// newest signal and writes the snapshot as JSON.
func replay(ctx context.Context, configPath, file string, w io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read replay file: %w", err)
	}
	signals, err := mq.DecodeSignals(data)
	if err != nil {
		return err
	}

	lib, err := drone.NewSignatureLibraryFromFile(cfg.SignaturesPath, drone.DefaultMatchThreshold)
	if err != nil {
		return fmt.Errorf("load drone signatures: %w", err)
	}

	runner := engine.NewRunner(cfg.Engine,
		engine.WithClock(engine.ReplayClock(signals)),
		engine.WithSignatureLibrary(lib),
	)
	defer runner.Close()

	accepted := runner.Ingest(signals...)
	utils.GetLogger().InfoContext(ctx, "replaying signals",
		slog.Int("received", len(signals)),
		slog.Int("accepted", accepted))

	snap, err := runner.Tick(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
