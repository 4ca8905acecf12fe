package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if !cfg.StreamMode || !cfg.VideoMode || !cfg.ImageMode || !cfg.RTSPMode {
		t.Errorf("expected every consumer enabled by default, got %s", cfg)
	}
	if cfg.Cast.Type != Unicast {
		t.Errorf("expected unicast, got %s", cfg.Cast.Type)
	}
	if cfg.Cast.Port != 5000 || cfg.RTSPPort != 8554 || cfg.Cast.TTL != 16 {
		t.Errorf("unexpected ports: rtp=%d rtsp=%d ttl=%d", cfg.Cast.Port, cfg.RTSPPort, cfg.Cast.TTL)
	}
	if cfg.Camera.Width != 1280 || cfg.Camera.Height != 720 || cfg.Camera.FPS != 30 {
		t.Errorf("unexpected raster: %dx%d@%d", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	}
	if cfg.Encoding.ImageQuality != 95 || cfg.Encoding.VideoBitrate != 2_000_000 {
		t.Errorf("unexpected encoding: %+v", cfg.Encoding)
	}

	want := Paths{
		ArchiveVideoDir: "/mnt/ssd/drone_archive/videos",
		ArchiveImageDir: "/mnt/ssd/drone_archive/images",
		TempDir:         "/mnt/ssd/drone_temp",
		LatestVideo:     "/mnt/ssd/drone_temp/latest_video.mp4",
		LatestImage:     "/mnt/ssd/drone_temp/latest_image.jpg",
		RecordChannel:   "/tmp/drone_cam_rec.sock",
		StreamChannel:   "/tmp/drone_cam_str.sock",
		WriterLock:      "/tmp/drone_cam.lock",
	}
	if cfg.Paths != want {
		t.Errorf("derived paths mismatch:\n got %+v\nwant %+v", cfg.Paths, want)
	}
	if cfg.MQTT.TopicPrefix != "dronecam/"+cfg.InstanceID {
		t.Errorf("unexpected topic prefix %q", cfg.MQTT.TopicPrefix)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"ENABLE_STREAM":  "no",
		"ENABLE_VIDEO":   "ON",
		"ENABLE_IMAGES":  "0",
		"ENABLE_RTSP":    "yes",
		"CAST_TYPE":      "Multicast",
		"MULTICAST_IP":   "239.0.0.9",
		"PORT":           "6000",
		"VIDEO_FPS":      "15",
		"SSD_PATH":       "/data",
		"SHM_DIR":        "/run/dronecam",
		"CHUNK_SECONDS":  "2.5",
		"GRACE_SECONDS":  "1",
		"INSTANCE_ID":    "drone-7",
		"IMAGE_QUALITY":  "80",
		"VIDEO_BITRATE":  "1500000",
		"RECORD_BITRATE": " 3000000 ",
	}))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if cfg.StreamMode || !cfg.VideoMode || cfg.ImageMode || !cfg.RTSPMode {
		t.Errorf("flag parsing wrong: %s", cfg)
	}
	if cfg.StreamTarget() != "239.0.0.9" {
		t.Errorf("expected multicast target, got %s", cfg.StreamTarget())
	}
	if cfg.Cast.Port != 6000 || cfg.Camera.FPS != 15 || cfg.Encoding.ImageQuality != 80 {
		t.Errorf("numeric overrides not applied: %+v %+v", cfg.Cast, cfg.Camera)
	}
	if cfg.Encoding.RecordBitrate != 3_000_000 {
		t.Errorf("expected trimmed record bitrate, got %d", cfg.Encoding.RecordBitrate)
	}
	if cfg.Encoding.ChunkDuration != 2500*time.Millisecond || cfg.GracePeriod != time.Second {
		t.Errorf("duration overrides not applied: chunk=%s grace=%s", cfg.Encoding.ChunkDuration, cfg.GracePeriod)
	}
	if cfg.Paths.ArchiveVideoDir != "/data/drone_archive/videos" || cfg.Paths.StreamChannel != "/run/dronecam/drone_cam_str.sock" {
		t.Errorf("paths not derived from overrides: %+v", cfg.Paths)
	}
	if cfg.MQTT.TopicPrefix != "dronecam/drone-7" {
		t.Errorf("unexpected topic prefix %q", cfg.MQTT.TopicPrefix)
	}
}

func TestFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"non_numeric_port", map[string]string{"PORT": "http"}},
		{"zero_fps", map[string]string{"VIDEO_FPS": "0"}},
		{"quality_too_high", map[string]string{"IMAGE_QUALITY": "101"}},
		{"port_leaves_no_room_for_rtcp", map[string]string{"PORT": "65533"}},
		{"ttl_zero", map[string]string{"TTL": "0"}},
		{"bad_chunk", map[string]string{"CHUNK_SECONDS": "abc"}},
		{"bad_instance", map[string]string{"INSTANCE_ID": "Drone_1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromEnv(envMap(tt.env)); err == nil {
				t.Errorf("expected error for %v", tt.env)
			}
		})
	}
}

// TestFromEnv_RejectsMalformedNumbers fails startup instead of silently
// running with a default the operator did not ask for. Blank values still
// mean unset.
func TestFromEnv_RejectsMalformedNumbers(t *testing.T) {
	_, err := FromEnv(envMap(map[string]string{"RTSP_PORT": "85x4"}))
	if err == nil {
		t.Fatal("expected error for malformed RTSP_PORT")
	}
	if !strings.Contains(err.Error(), "RTSP_PORT") {
		t.Errorf("error should name the variable: %v", err)
	}

	cfg, err := FromEnv(envMap(map[string]string{"RTSP_PORT": "  ", "GRACE_SECONDS": ""}))
	if err != nil {
		t.Fatalf("blank values should keep defaults: %v", err)
	}
	def := Default()
	if cfg.RTSPPort != def.RTSPPort || cfg.GracePeriod != def.GracePeriod {
		t.Errorf("blank values changed defaults: port=%d grace=%v", cfg.RTSPPort, cfg.GracePeriod)
	}
}

// TestStreamTarget covers every cast mode. Broadcast always overrides the
// configured target address.
func TestStreamTarget(t *testing.T) {
	tests := []struct {
		cast CastType
		want string
	}{
		{Unicast, "10.0.0.2"},
		{Multicast, "239.1.1.1"},
		{Broadcast, BroadcastAddress},
		{ParseCastType("anycast"), "10.0.0.2"},
	}

	for _, tt := range tests {
		t.Run(string(tt.cast), func(t *testing.T) {
			cfg := Default()
			cfg.Cast.Type = tt.cast
			cfg.Cast.TargetIP = "10.0.0.2"
			cfg.Cast.MulticastIP = "239.1.1.1"
			if got := cfg.StreamTarget(); got != tt.want {
				t.Errorf("StreamTarget() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConsumerFlags(t *testing.T) {
	cfg := Default()
	cfg.StreamMode, cfg.VideoMode, cfg.ImageMode, cfg.RTSPMode = false, false, false, false
	if cfg.AnyConsumerEnabled() {
		t.Error("expected no consumer enabled")
	}
	if cfg.NeedsRecorder() {
		t.Error("recorder not needed without video or images")
	}

	cfg.ImageMode = true
	if !cfg.AnyConsumerEnabled() || !cfg.NeedsRecorder() {
		t.Error("image mode alone needs the recorder")
	}
}

func TestSetupStorage_Idempotent(t *testing.T) {
	root := t.TempDir()
	cfg, err := FromEnv(envMap(map[string]string{"SSD_PATH": root}))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := cfg.SetupStorage(); err != nil {
			t.Fatalf("SetupStorage #%d failed: %v", i+1, err)
		}
	}

	for _, dir := range []string{cfg.Paths.ArchiveVideoDir, cfg.Paths.ArchiveImageDir, cfg.Paths.TempDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %s: %v", dir, err)
		}
	}
}

func TestSetupStorage_Unwritable(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := FromEnv(envMap(map[string]string{"SSD_PATH": blocker}))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if err := cfg.SetupStorage(); err == nil {
		t.Error("expected SetupStorage to fail below a regular file")
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dronecam.yaml")
	yamlDoc := `
enable_rtsp: false
cast:
  type: broadcast
  port: 7000
camera:
  fps: 10
encoding:
  chunk_duration: 3s
storage_path: /srv/archive
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VIDEO_FPS", "12")

	cfg, err := Load(LoadOptions{ConfigFile: path, EnvFile: filepath.Join(dir, "missing.env")})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.RTSPMode {
		t.Error("yaml should disable rtsp")
	}
	if !cfg.StreamMode {
		t.Error("unset yaml keys keep their defaults")
	}
	if cfg.StreamTarget() != BroadcastAddress || cfg.Cast.Port != 7000 {
		t.Errorf("cast from yaml not applied: %+v", cfg.Cast)
	}
	if cfg.Camera.FPS != 12 {
		t.Errorf("environment must win over yaml, got fps=%d", cfg.Camera.FPS)
	}
	if cfg.Encoding.ChunkDuration != 3*time.Second {
		t.Errorf("expected 3s chunks, got %s", cfg.Encoding.ChunkDuration)
	}
	if !strings.HasPrefix(cfg.Paths.ArchiveImageDir, "/srv/archive/") {
		t.Errorf("paths not derived from yaml storage path: %s", cfg.Paths.ArchiveImageDir)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("DRONECAM_TEST_TTL_UNUSED=1\nTTL=32\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// t.Setenv registers cleanup so godotenv's writes do not leak.
	t.Setenv("TTL", "")
	os.Unsetenv("TTL")
	t.Setenv("DRONECAM_TEST_TTL_UNUSED", "")
	os.Unsetenv("DRONECAM_TEST_TTL_UNUSED")

	cfg, err := Load(LoadOptions{EnvFile: envFile})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cast.TTL != 32 {
		t.Errorf("expected ttl from .env, got %d", cfg.Cast.TTL)
	}
}

func TestString_Summary(t *testing.T) {
	cfg := Default()
	cfg.Cast.Type = Broadcast
	s := cfg.String()
	for _, want := range []string{"cast=broadcast", "255.255.255.255:5000", "1280x720@30fps", "rtsp_port=8554"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary %q missing %q", s, want)
		}
	}
}
