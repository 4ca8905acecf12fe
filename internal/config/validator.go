package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks that the configuration is usable and fills in derived
// defaults. It does not require a consumer to be enabled; the supervisor
// refuses to start in that case.
func Validate(cfg *Config) error {
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+, got %q", cfg.InstanceID)
	}

	if cfg.Camera.Device == "" {
		return fmt.Errorf("camera.device is required")
	}
	if cfg.Camera.FPS <= 0 {
		return fmt.Errorf("camera.fps must be > 0")
	}
	if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
		return fmt.Errorf("camera resolution must be positive, got %dx%d", cfg.Camera.Width, cfg.Camera.Height)
	}

	if cfg.Encoding.VideoBitrate < 1000 || cfg.Encoding.RecordBitrate < 1000 {
		return fmt.Errorf("bitrates must be at least 1000 bps")
	}
	if cfg.Encoding.ImageQuality < 1 || cfg.Encoding.ImageQuality > 100 {
		return fmt.Errorf("encoding.image_quality must be within [1,100], got %d", cfg.Encoding.ImageQuality)
	}
	if cfg.Encoding.ChunkDuration <= 0 {
		return fmt.Errorf("encoding.chunk_duration must be > 0")
	}

	// RTCP uses Port+1 and Port+5.
	if cfg.Cast.Port < 1 || cfg.Cast.Port+5 > 65535 {
		return fmt.Errorf("cast.port must be within [1,65530], got %d", cfg.Cast.Port)
	}
	if cfg.Cast.TTL < 1 || cfg.Cast.TTL > 255 {
		return fmt.Errorf("cast.ttl must be within [1,255], got %d", cfg.Cast.TTL)
	}
	if cfg.StreamTarget() == "" {
		return fmt.Errorf("no stream target for cast type %s", cfg.Cast.Type)
	}
	if cfg.RTSPPort < 1 || cfg.RTSPPort > 65535 {
		return fmt.Errorf("rtsp_port must be within [1,65535], got %d", cfg.RTSPPort)
	}
	if cfg.StatusPort < 0 || cfg.StatusPort > 65535 {
		return fmt.Errorf("status_port must be within [0,65535], got %d", cfg.StatusPort)
	}

	if cfg.StoragePath == "" {
		return fmt.Errorf("storage_path is required")
	}
	if cfg.ChannelDir == "" {
		return fmt.Errorf("channel_dir is required")
	}
	if cfg.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be > 0")
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = fmt.Sprintf("dronecam/%s", cfg.InstanceID)
	}

	return nil
}
