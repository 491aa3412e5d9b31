// Package config loads go-mirror configuration from the environment. A
// .env file in the working directory is read first when present; real
// environment variables win over it.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/teslashibe/go-mirror/pkg/camera"
	"github.com/teslashibe/go-mirror/pkg/settings"
)

// Defaults.
const (
	DefaultPort           = 8000
	DefaultTasksPath      = "config/tasks.json"
	DefaultFeaturesPath   = "config/features.json"
	DefaultIntrinsicsPath = "config/camera_intrinsics.yml"
	DefaultLatencyCSV     = "logs/latency.csv"
	DefaultYuNetModel     = "models/face_detection_yunet_2023mar.onnx"
)

// Config is the process configuration.
type Config struct {
	Port     int
	LogLevel string

	Camera camera.Config

	TasksPath      string
	FeaturesPath   string
	IntrinsicsPath string
	LatencyCSV     string

	// AllowWSOrigins are origin prefixes allowed on /ws. Empty allows all.
	AllowWSOrigins []string

	WaiveGatesWithoutCamera bool

	// Landmark backends, tried in order: MediaPipe bridge, YuNet, synthetic.
	LandmarkBackend string
	BridgeScript    string
	YuNetModel      string

	CloudEnabled      bool
	GoogleAPIKey      string
	GoogleCredentials string

	// Settings are the initial runtime toggles.
	Settings settings.Settings
}

// Load reads the .env files (default ".env") and then the environment.
// A missing .env is not an error.
func Load(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	return FromEnv(), nil
}

// FromEnv builds a Config from the current environment only.
func FromEnv() Config {
	cam := camera.DefaultConfig()
	cam.Device = GetEnvInt("CAM_INDEX", cam.Device)
	cam.Width = GetEnvInt("CAM_WIDTH", cam.Width)
	cam.Height = GetEnvInt("CAM_HEIGHT", cam.Height)
	cam.Framerate = GetEnvInt("CAM_FPS", cam.Framerate)
	cam.Quality = GetEnvInt("JPEG_QUALITY", cam.Quality)
	cam.AllowMock = GetEnvBool("ALLOW_MOCK", cam.AllowMock)
	cam.SlowRead = GetEnvDuration("CAM_SLOW_READ", cam.SlowRead)
	cam.ReadTimeout = GetEnvDuration("CAM_READ_TIMEOUT", cam.ReadTimeout)

	s := settings.Defaults()
	s.UseCloud = GetEnvBool("USE_CLOUD", s.UseCloud)
	s.CloudRPS = GetEnvInt("CLOUD_RPS", s.CloudRPS)
	s.CloudTimeoutS = GetEnvFloat("CLOUD_TIMEOUT_S", s.CloudTimeoutS)
	s.CloudMinIntervalMS = GetEnvInt("CLOUD_MIN_INTERVAL_MS", s.CloudMinIntervalMS)
	s.ArucoStride = GetEnvInt("ARUCO_STRIDE", s.ArucoStride)
	s.DetectScale = GetEnvFloat("DETECT_SCALE", s.DetectScale)
	s.ReduceMotion = GetEnvBool("REDUCE_MOTION", s.ReduceMotion)

	return Config{
		Port:                    GetEnvInt("PORT", DefaultPort),
		LogLevel:                GetEnv("LOG_LEVEL", "info"),
		Camera:                  cam,
		TasksPath:               GetEnv("TASKS_PATH", DefaultTasksPath),
		FeaturesPath:            GetEnv("FEATURES_PATH", DefaultFeaturesPath),
		IntrinsicsPath:          GetEnv("INTRINSICS_PATH", DefaultIntrinsicsPath),
		LatencyCSV:              GetEnv("LATENCY_CSV", DefaultLatencyCSV),
		AllowWSOrigins:          GetEnvList("ALLOW_WS_ORIGINS"),
		WaiveGatesWithoutCamera: GetEnvBool("TASK_WAIVE_GATES_WITHOUT_CAMERA", true),
		LandmarkBackend:         strings.ToLower(GetEnv("LANDMARK_BACKEND", "auto")),
		BridgeScript:            GetEnv("LANDMARKS_BRIDGE_SCRIPT", ""),
		YuNetModel:              GetEnv("YUNET_MODEL", DefaultYuNetModel),
		CloudEnabled:            s.UseCloud,
		GoogleAPIKey:            GetEnv("GOOGLE_API_KEY", ""),
		GoogleCredentials:       GetEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		Settings:                s.Clamp(),
	}
}

// GetEnv returns the value of key, or fallback if unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns key as an int, or fallback if unset or not an integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat returns key as a float64, or fallback.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvBool accepts 1/0, true/false, yes/no and on/off.
func GetEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// GetEnvDuration parses key with time.ParseDuration. A bare number is
// read as milliseconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// GetEnvList splits a comma-separated value, dropping blanks. A lone "*"
// yields nil.
func GetEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" && part != "*" {
			out = append(out, part)
		}
	}
	return out
}
