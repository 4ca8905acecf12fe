// Package config holds the immutable runtime configuration shared by the
// supervisor and every worker process.
//
// Configuration is resolved once, in the supervisor, from (lowest to highest
// precedence) built-in defaults, an optional YAML file and the process
// environment (optionally seeded from a .env file). Workers receive the
// resolved snapshot by value over IPC and never re-read the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrNoConsumers is returned when every consumer flag is disabled.
var ErrNoConsumers = errors.New("no consumer enabled (stream, video, images, rtsp are all off)")

// CastType selects how the RTP stream is addressed.
type CastType string

const (
	Unicast   CastType = "unicast"
	Multicast CastType = "multicast"
	Broadcast CastType = "broadcast"
)

// BroadcastAddress is the limited broadcast destination used in broadcast mode.
const BroadcastAddress = "255.255.255.255"

// Channel and pointer file names.
const (
	RecordChannelName = "drone_cam_rec.sock"
	StreamChannelName = "drone_cam_str.sock"
	WriterLockName    = "drone_cam.lock"
	LatestVideoName   = "latest_video.mp4"
	LatestImageName   = "latest_image.jpg"
)

// ParseCastType maps a string to a CastType. Unknown values fall back to unicast.
func ParseCastType(s string) CastType {
	switch CastType(strings.ToLower(strings.TrimSpace(s))) {
	case Multicast:
		return Multicast
	case Broadcast:
		return Broadcast
	default:
		return Unicast
	}
}

// Config is the complete dronecam configuration.
type Config struct {
	InstanceID string `yaml:"instance_id"`

	StreamMode bool `yaml:"enable_stream"`
	VideoMode  bool `yaml:"enable_video"`
	ImageMode  bool `yaml:"enable_images"`
	RTSPMode   bool `yaml:"enable_rtsp"`

	Cast     CastConfig     `yaml:"cast"`
	RTSPPort int            `yaml:"rtsp_port"`
	Camera   CameraConfig   `yaml:"camera"`
	Encoding EncodingConfig `yaml:"encoding"`

	StoragePath string        `yaml:"storage_path"`
	ChannelDir  string        `yaml:"channel_dir"`
	GracePeriod time.Duration `yaml:"grace_period"`
	StatusPort  int           `yaml:"status_port"` // 0 disables the HTTP status server
	MQTT        MQTTConfig    `yaml:"mqtt"`

	// RunID identifies one supervisor run. Set by the supervisor, not by users.
	RunID string `yaml:"-"`

	// Paths are derived from StoragePath and ChannelDir by Load/FromEnv.
	Paths Paths `yaml:"-"`
}

// CastConfig contains RTP destination settings.
type CastConfig struct {
	Type        CastType `yaml:"type"`
	TargetIP    string   `yaml:"target_ip"`
	MulticastIP string   `yaml:"multicast_ip"`
	Port        int      `yaml:"port"` // RTP; RTCP out is Port+1, RTCP in is Port+5
	TTL         int      `yaml:"ttl"`
}

// CameraConfig contains capture device and raster settings.
type CameraConfig struct {
	Device string `yaml:"device"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

// EncodingConfig contains encoder and archive settings.
type EncodingConfig struct {
	VideoBitrate  int           `yaml:"video_bitrate"`  // bits per second, live stream and RTSP
	RecordBitrate int           `yaml:"record_bitrate"` // bits per second, archive chunks
	ImageQuality  int           `yaml:"image_quality"`  // JPEG quality 1-100
	ChunkDuration time.Duration `yaml:"chunk_duration"`
}

// MQTTConfig contains the optional telemetry broker settings.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // empty disables MQTT
	TopicPrefix string `yaml:"topic_prefix"`
}

// Paths are the filesystem locations derived from the configuration.
type Paths struct {
	ArchiveVideoDir string
	ArchiveImageDir string
	TempDir         string
	LatestVideo     string
	LatestImage     string
	RecordChannel   string
	StreamChannel   string
	WriterLock      string
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		InstanceID: defaultInstanceID(),
		StreamMode: true,
		VideoMode:  true,
		ImageMode:  true,
		RTSPMode:   true,
		Cast: CastConfig{
			Type:        Unicast,
			TargetIP:    "192.168.1.100",
			MulticastIP: "224.1.1.1",
			Port:        5000,
			TTL:         16,
		},
		RTSPPort: 8554,
		Camera: CameraConfig{
			Device: "/dev/video0",
			Width:  1280,
			Height: 720,
			FPS:    30,
		},
		Encoding: EncodingConfig{
			VideoBitrate:  2_000_000,
			RecordBitrate: 4_000_000,
			ImageQuality:  95,
			ChunkDuration: 5500 * time.Millisecond,
		},
		StoragePath: "/mnt/ssd",
		ChannelDir:  "/tmp",
		GracePeriod: 5 * time.Second,
		StatusPort:  8080,
	}
}

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	// EnvFile is a dotenv file loaded into the process environment before
	// it is read. Existing variables win. A missing file is not an error.
	EnvFile string

	// ConfigFile is an optional YAML file applied over the defaults. When
	// empty, the CONFIG_FILE variable is consulted.
	ConfigFile string
}

// Load resolves the configuration from defaults, an optional YAML file and
// the process environment.
func Load(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	path := opts.ConfigFile
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		cfg.Cast.Type = ParseCastType(string(cfg.Cast.Type))
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return finish(cfg)
}

// FromEnv builds a configuration from defaults and an environment snapshot.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.derive()
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) derive() {
	archive := filepath.Join(c.StoragePath, "drone_archive")
	temp := filepath.Join(c.StoragePath, "drone_temp")
	c.Paths = Paths{
		ArchiveVideoDir: filepath.Join(archive, "videos"),
		ArchiveImageDir: filepath.Join(archive, "images"),
		TempDir:         temp,
		LatestVideo:     filepath.Join(temp, LatestVideoName),
		LatestImage:     filepath.Join(temp, LatestImageName),
		RecordChannel:   filepath.Join(c.ChannelDir, RecordChannelName),
		StreamChannel:   filepath.Join(c.ChannelDir, StreamChannelName),
		WriterLock:      filepath.Join(c.ChannelDir, WriterLockName),
	}
}

// StreamTarget returns the RTP destination address for the configured cast mode.
func (c *Config) StreamTarget() string {
	switch c.Cast.Type {
	case Broadcast:
		return BroadcastAddress
	case Multicast:
		return c.Cast.MulticastIP
	default:
		return c.Cast.TargetIP
	}
}

// SetupStorage creates the archive and temp directories. It is idempotent.
func (c *Config) SetupStorage() error {
	for _, dir := range []string{c.Paths.ArchiveVideoDir, c.Paths.ArchiveImageDir, c.Paths.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	return nil
}

// AnyConsumerEnabled reports whether at least one consumer flag is set.
func (c *Config) AnyConsumerEnabled() bool {
	return c.StreamMode || c.VideoMode || c.ImageMode || c.RTSPMode
}

// NeedsRecorder reports whether the recorder worker has anything to do.
func (c *Config) NeedsRecorder() bool {
	return c.VideoMode || c.ImageMode
}

// String returns a one-line summary suitable for startup logs.
func (c *Config) String() string {
	return fmt.Sprintf("Config(stream=%t, video=%t, images=%t, rtsp=%t, cast=%s, target=%s:%d, rtsp_port=%d, camera=%s, %dx%d@%dfps, storage=%s)",
		c.StreamMode, c.VideoMode, c.ImageMode, c.RTSPMode,
		c.Cast.Type, c.StreamTarget(), c.Cast.Port, c.RTSPPort,
		c.Camera.Device, c.Camera.Width, c.Camera.Height, c.Camera.FPS,
		c.StoragePath)
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "dronecam"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(host) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '.' || r == '_':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "dronecam"
	}
	return b.String()
}
