package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// applyEnv overrides cfg with any variables present in the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	p := envParser{lookup: lookup}

	p.boolean("ENABLE_STREAM", &cfg.StreamMode)
	p.boolean("ENABLE_VIDEO", &cfg.VideoMode)
	p.boolean("ENABLE_IMAGES", &cfg.ImageMode)
	p.boolean("ENABLE_RTSP", &cfg.RTSPMode)

	if v, ok := p.get("CAST_TYPE"); ok {
		cfg.Cast.Type = ParseCastType(v)
	}
	p.str("TARGET_IP", &cfg.Cast.TargetIP)
	p.str("MULTICAST_IP", &cfg.Cast.MulticastIP)
	p.integer("PORT", &cfg.Cast.Port)
	p.integer("TTL", &cfg.Cast.TTL)
	p.integer("RTSP_PORT", &cfg.RTSPPort)

	p.str("CAMERA", &cfg.Camera.Device)
	p.integer("VIDEO_WIDTH", &cfg.Camera.Width)
	p.integer("VIDEO_HEIGHT", &cfg.Camera.Height)
	p.integer("VIDEO_FPS", &cfg.Camera.FPS)

	p.integer("VIDEO_BITRATE", &cfg.Encoding.VideoBitrate)
	p.integer("RECORD_BITRATE", &cfg.Encoding.RecordBitrate)
	p.integer("IMAGE_QUALITY", &cfg.Encoding.ImageQuality)
	p.seconds("CHUNK_SECONDS", &cfg.Encoding.ChunkDuration)

	p.str("SSD_PATH", &cfg.StoragePath)
	p.str("SHM_DIR", &cfg.ChannelDir)
	p.seconds("GRACE_SECONDS", &cfg.GracePeriod)
	p.integer("STATUS_PORT", &cfg.StatusPort)
	p.str("INSTANCE_ID", &cfg.InstanceID)

	p.str("MQTT_BROKER", &cfg.MQTT.Broker)
	p.str("MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix)

	return p.err
}

// envParser collects the first parse error so callers can read all
// variables in one pass.
type envParser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *envParser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *envParser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

// boolean accepts 1/true/yes/on (any case) as true and everything else as false.
func (p *envParser) boolean(key string, dst *bool) {
	if v, ok := p.get(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		default:
			*dst = false
		}
	}
}

func (p *envParser) integer(key string, dst *int) {
	v, ok := p.get(key)
	if !ok || p.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
		return
	}
	*dst = n
}

func (p *envParser) seconds(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok || p.err != nil {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = fmt.Errorf("%s: invalid number of seconds %q: %w", key, v, err)
		return
	}
	*dst = time.Duration(f * float64(time.Second))
}
