package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tutortoise/landmark-tracking-service/detections"
	"github.com/Tutortoise/landmark-tracking-service/dispatch"
	"github.com/Tutortoise/landmark-tracking-service/models"
)

type Config struct {
	Port        string
	Debug       bool
	LibraryPath string
	// EnvFile reports whether a .env file was read.
	EnvFile bool

	Engine models.EngineConfig
	Params models.Params

	ProcessOnLocal        bool
	UseWorkerOnSingleCore bool
	WorkerURL             string
	RequestTimeout        time.Duration
	InitTimeout           time.Duration
	MaxRestarts           int
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	envFile := godotenv.Load() == nil

	op := models.OperationType(getEnv("OPERATION", string(models.OperationHand)))
	layout, err := detections.LayoutFor(op)
	if err != nil {
		return nil, fmt.Errorf("OPERATION: %w", err)
	}
	maxDetections := getEnvInt("MAX_DETECTIONS", 2)
	minScore, minLandmark := detections.DefaultThresholds(op)

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Debug:       getEnvBool("DEBUG", false),
		LibraryPath: getEnv("ORT_LIBRARY_PATH", ""),
		EnvFile:     envFile,
		Engine: models.EngineConfig{
			Operation:       op,
			ModelPath:       getEnv("MODEL_PATH", fmt.Sprintf("models/%s_landmark.onnx", op)),
			InputName:       getEnv("INPUT_NAME", "input"),
			OutputName:      getEnv("OUTPUT_NAME", "output"),
			ParamsInputName: getEnv("PARAMS_INPUT_NAME", ""),
			InputWidth:      getEnvInt("INPUT_WIDTH", 256),
			InputHeight:     getEnvInt("INPUT_HEIGHT", 256),
			OutputLength:    getEnvInt("OUTPUT_LENGTH", layout.Base+layout.MaxRecords*layout.Stride),
			IntraOpThreads:  getEnvInt("INTRA_OP_THREADS", 0),
		},
		Params: models.Params{
			ProcessWidth:        getEnvInt("PROCESS_WIDTH", 300),
			ProcessHeight:       getEnvInt("PROCESS_HEIGHT", 300),
			MaxDetections:       maxDetections,
			MovingAverageWindow: getEnvInt("MOVING_AVERAGE_WINDOW", 10),
			AffineResizedFactor: getEnvFloat("AFFINE_RESIZED_FACTOR", 2),
			CropExt:             getEnvFloat("CROP_EXT", 1.3),
			CalculateMode:       getEnvInt("CALCULATE_MODE", 0),
			MinScore:            getEnvFloat("MIN_SCORE", minScore),
			MinLandmarkScore:    getEnvFloat("MIN_LANDMARK_SCORE", minLandmark),
		},
		ProcessOnLocal:        getEnvBool("PROCESS_ON_LOCAL", false),
		UseWorkerOnSingleCore: getEnvBool("USE_WORKER_ON_SINGLE_CORE", false),
		WorkerURL:             getEnv("WORKER_URL", ""),
		RequestTimeout:        time.Duration(getEnvInt("REQUEST_TIMEOUT_MS", 5000)) * time.Millisecond,
		InitTimeout:           time.Duration(getEnvInt("INIT_TIMEOUT_MS", 30000)) * time.Millisecond,
		MaxRestarts:           getEnvInt("MAX_RESTARTS", dispatch.DefaultMaxRestarts),
	}

	if cfg.Params.MovingAverageWindow < 0 {
		return nil, fmt.Errorf("MOVING_AVERAGE_WINDOW must not be negative: %d", cfg.Params.MovingAverageWindow)
	}
	if cfg.Params.MaxDetections > layout.MaxRecords {
		return nil, fmt.Errorf("MAX_DETECTIONS %d exceeds %d", cfg.Params.MaxDetections, layout.MaxRecords)
	}
	return cfg, nil
}

func (c *Config) Dispatch() dispatch.Config {
	return dispatch.Config{
		Engine:                c.Engine,
		ProcessOnLocal:        c.ProcessOnLocal,
		UseWorkerOnSingleCore: c.UseWorkerOnSingleCore,
		WorkerURL:             c.WorkerURL,
		RequestTimeout:        c.RequestTimeout,
		InitTimeout:           c.InitTimeout,
		MaxRestarts:           c.MaxRestarts,
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
