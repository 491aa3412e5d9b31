package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("MIRROR_INT", "42")
	t.Setenv("MIRROR_BAD_INT", "forty")
	t.Setenv("MIRROR_FLOAT", "0.75")
	t.Setenv("MIRROR_DUR", "250ms")
	t.Setenv("MIRROR_DUR_MS", "1500")
	t.Setenv("MIRROR_LIST", " http://a , ,http://b ")
	t.Setenv("MIRROR_STAR", "*")

	if got := GetEnv("MIRROR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnvInt("MIRROR_INT", 1); got != 42 {
		t.Errorf("GetEnvInt = %d", got)
	}
	if got := GetEnvInt("MIRROR_BAD_INT", 7); got != 7 {
		t.Errorf("GetEnvInt bad = %d", got)
	}
	if got := GetEnvFloat("MIRROR_FLOAT", 1); got != 0.75 {
		t.Errorf("GetEnvFloat = %v", got)
	}
	if got := GetEnvDuration("MIRROR_DUR", 0); got != 250*time.Millisecond {
		t.Errorf("GetEnvDuration = %v", got)
	}
	if got := GetEnvDuration("MIRROR_DUR_MS", 0); got != 1500*time.Millisecond {
		t.Errorf("GetEnvDuration ms = %v", got)
	}
	if got := GetEnvList("MIRROR_LIST"); len(got) != 2 || got[0] != "http://a" || got[1] != "http://b" {
		t.Errorf("GetEnvList = %q", got)
	}
	if got := GetEnvList("MIRROR_STAR"); got != nil {
		t.Errorf("GetEnvList * = %q", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		val      string
		fallback bool
		want     bool
	}{
		{"1", false, true},
		{"TRUE", false, true},
		{"on", false, true},
		{"no", true, false},
		{"0", true, false},
		{"maybe", true, true},
		{"", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.val, func(t *testing.T) {
			t.Setenv("MIRROR_BOOL", tt.val)
			if got := GetEnvBool("MIRROR_BOOL", tt.fallback); got != tt.want {
				t.Errorf("GetEnvBool(%q, %v) = %v", tt.val, tt.fallback, got)
			}
		})
	}
}

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "CAM_INDEX", "ALLOW_MOCK", "USE_CLOUD", "TASK_WAIVE_GATES_WITHOUT_CAMERA", "ALLOW_WS_ORIGINS"} {
		t.Setenv(key, "")
	}
	cfg := FromEnv()
	if cfg.Port != DefaultPort || cfg.TasksPath != DefaultTasksPath {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.WaiveGatesWithoutCamera || !cfg.Camera.AllowMock || cfg.CloudEnabled {
		t.Errorf("defaults wrong: waive=%v mock=%v cloud=%v", cfg.WaiveGatesWithoutCamera, cfg.Camera.AllowMock, cfg.CloudEnabled)
	}
	if cfg.AllowWSOrigins != nil {
		t.Errorf("origins = %q", cfg.AllowWSOrigins)
	}
}

func TestFromEnvClampsSettings(t *testing.T) {
	t.Setenv("CLOUD_RPS", "50")
	t.Setenv("ARUCO_STRIDE", "0")
	t.Setenv("DETECT_SCALE", "2")
	t.Setenv("USE_CLOUD", "true")

	cfg := FromEnv()
	if cfg.Settings.CloudRPS != 10 || cfg.Settings.ArucoStride != 1 || cfg.Settings.DetectScale != 1 {
		t.Errorf("settings = %+v", cfg.Settings)
	}
	if !cfg.CloudEnabled || !cfg.Settings.UseCloud {
		t.Error("USE_CLOUD not applied")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CAM_INDEX=3\nLOG_LEVEL=debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// t.Setenv restores the variables godotenv sets.
	t.Setenv("CAM_INDEX", "")
	t.Setenv("LOG_LEVEL", "")
	os.Unsetenv("CAM_INDEX")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Camera.Device != 3 || cfg.LogLevel != "debug" {
		t.Errorf("cfg = device %d level %q", cfg.Camera.Device, cfg.LogLevel)
	}

	if _, err := Load(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}
}
