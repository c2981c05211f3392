package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tutortoise/landmark-tracking-service/config"
	"github.com/Tutortoise/landmark-tracking-service/cropping"
	"github.com/Tutortoise/landmark-tracking-service/dispatch"
	"github.com/Tutortoise/landmark-tracking-service/engine"
	"github.com/Tutortoise/landmark-tracking-service/logging"
	"github.com/Tutortoise/landmark-tracking-service/loop"
	"github.com/Tutortoise/landmark-tracking-service/models"
	"github.com/Tutortoise/landmark-tracking-service/smoothing"
	"github.com/Tutortoise/landmark-tracking-service/transport"
	"github.com/Tutortoise/landmark-tracking-service/worker"
)

const maxUploadSize = 10 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type AppState struct {
	Config     *config.Config
	Dispatcher *dispatch.Dispatcher
	Factory    engine.Factory
	Logger     *zap.Logger
}

type PredictResponse struct {
	RequestID  string                   `json:"request_id"`
	Operation  models.OperationType     `json:"operation"`
	Count      int                      `json:"count"`
	Message    string                   `json:"message"`
	Detections []models.DetectionRecord `json:"detections"`
	Smoothed   *smoothing.Result        `json:"smoothed,omitempty"`
	Viewport   *models.Viewport         `json:"viewport,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New("landmark", cfg.Debug)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()
	if !cfg.EnvFile {
		logger.Info("no .env file found, using environment variables")
	}

	factory := engine.NewONNXFactory(cfg.LibraryPath)
	defer func() {
		if err := engine.ShutdownRuntime(); err != nil {
			logger.Warn("onnxruntime shutdown", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := dispatch.New(cfg.Dispatch(), dispatch.WithLogger(logger), dispatch.WithEngineFactory(factory))
	if err := d.Init(ctx); err != nil {
		logger.Fatal("failed to initialize inference", zap.Error(err))
	}
	defer d.Close()

	state := &AppState{Config: cfg, Dispatcher: d, Factory: factory, Logger: logger}
	srv := &http.Server{
		Handler:      state.routes(),
		Addr:         ":" + cfg.Port,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.Stringer("mode", d.Mode()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
}

func (s *AppState) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/predict", s.handlePredict).Methods("POST")
	r.HandleFunc("/worker", s.handleWorker).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) logTimings(t *models.ProcessingTimings) {
	s.Logger.Debug("processing times",
		zap.String("request_id", t.RequestID),
		zap.Duration("image_decode", t.ImageDecode),
		zap.Duration("resize", t.Resize),
		zap.Duration("inference", t.Inference),
		zap.Duration("smoothing", t.Smoothing),
		zap.Duration("total", t.Total))
}

func (s *AppState) handlePredict(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	requestID := fmt.Sprintf("%d", time.Now().UnixNano())

	imgBytes, err := readImageBytes(r)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	crop, err := parseCrop(r)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	decodeStart := time.Now()
	img, err := decodeImage(imgBytes)
	decodeTime := time.Since(decodeStart)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
		return
	}

	pred, err := s.Dispatcher.Predict(r.Context(), s.Config.Params, img)
	if err != nil {
		s.sendPredictError(w, err)
		return
	}
	if pred.NotReady {
		sendErrorResponse(w, "not_ready", MsgNotReady, http.StatusServiceUnavailable)
		return
	}

	timings := pred.Timings
	timings.RequestID = requestID
	timings.ImageDecode = decodeTime
	timings.Total = time.Since(startTotal)
	s.logTimings(&timings)

	resp := PredictResponse{
		RequestID:  requestID,
		Operation:  pred.Operation,
		Count:      len(pred.Detections),
		Message:    getDetectionMessage(pred.Operation, len(pred.Detections)),
		Detections: pred.Detections,
		Smoothed:   pred.Smoothed,
	}
	if crop != nil {
		b := img.Bounds()
		v := dispatch.FitCroppedArea(pred, float32(b.Dx()), float32(b.Dy()), crop.outW, crop.outH, crop.ext)
		resp.Viewport = &v
	}

	body, err := json.Marshal(resp)
	if err != nil {
		s.Logger.Error("encode predict response", zap.String("request_id", requestID), zap.Error(err))
		sendErrorResponse(w, "processing_error", "Failed to encode prediction", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *AppState) sendPredictError(w http.ResponseWriter, err error) {
	var initErr *dispatch.InitError
	switch {
	case errors.Is(err, dispatch.ErrWorkerUnavailable):
		sendErrorResponse(w, "worker_unavailable", MsgWorkerUnavailable, http.StatusServiceUnavailable)
	case errors.Is(err, dispatch.ErrEmptyImage):
		sendErrorResponse(w, "invalid_image", err.Error(), http.StatusBadRequest)
	case errors.As(err, &initErr):
		sendErrorResponse(w, "init_error", err.Error(), http.StatusInternalServerError)
	default:
		sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
	}
}

// handleWorker serves a worker over a websocket so another instance can
// offload inference to this one with WORKER_URL.
func (s *AppState) handleWorker(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("worker upgrade failed", zap.Error(err))
		return
	}
	conn := transport.NewWebSocketConn(ws)
	defer conn.Close()

	logger := s.Logger.Named("worker").With(zap.String("remote", r.RemoteAddr))
	logger.Info("worker connection opened")
	if err := worker.New(s.Factory, logger).Serve(r.Context(), conn); err != nil {
		logger.Warn("worker connection ended", zap.Error(err))
	}
}

// handleStream runs the predict loop over encoded frames sent as binary
// websocket messages and writes each result back as JSON. Frames that arrive
// while a predict is in flight replace the waiting one.
func (s *AppState) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("stream upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxUploadSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var tokens loop.TokenSource
	l := loop.New(s.Dispatcher, &tokens, s.Logger.Named("stream"))
	frames := make(chan image.Image, 1)

	l.Start(ctx, frames, s.Config.Params, func(_ loop.Token, pred *dispatch.Prediction, err error) {
		data, err := streamMessage(pred, err)
		if err != nil {
			s.Logger.Warn("encode stream result", zap.Error(err))
			data, _ = json.Marshal(ErrorResponse{Code: "processing_error", Message: err.Error()})
		}
		if werr := ws.WriteMessage(websocket.TextMessage, data); werr != nil {
			cancel()
		}
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		img, err := decodeImage(data)
		if err != nil {
			s.Logger.Debug("stream frame not decodable", zap.Error(err))
			continue
		}
		select {
		case <-frames:
		default:
		}
		frames <- img
	}

	l.Cancel()
	cancel()
	l.Wait()
}

func streamMessage(pred *dispatch.Prediction, err error) ([]byte, error) {
	if err != nil {
		return json.Marshal(ErrorResponse{Code: "processing_error", Message: err.Error()})
	}
	return json.Marshal(pred)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Dispatcher.Metrics())
}

type cropRequest struct {
	outW, outH float32
	ext        cropping.Extension
}

// parseCrop reads out_w/out_h and the optional ext_* ratios. It returns nil
// when no output size was asked for.
func parseCrop(r *http.Request) (*cropRequest, error) {
	q := r.URL.Query()
	if q.Get("out_w") == "" && q.Get("out_h") == "" {
		return nil, nil
	}
	c := &cropRequest{}
	fields := []struct {
		key string
		dst *float32
	}{
		{"out_w", &c.outW},
		{"out_h", &c.outH},
		{"ext_top", &c.ext.Top},
		{"ext_bottom", &c.ext.Bottom},
		{"ext_left", &c.ext.Left},
		{"ext_right", &c.ext.Right},
	}
	for _, f := range fields {
		v := q.Get(f.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = float32(parsed)
	}
	if c.outW <= 0 || c.outH <= 0 {
		return nil, errors.New("out_w and out_h must both be positive")
	}
	return c, nil
}

func readImageBytes(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r)
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadSize)).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxUploadSize))
}

func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
