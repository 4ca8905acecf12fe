// Package pipeline builds the GStreamer launch descriptions for every
// dronecam process. Descriptions are plain strings so they can be logged,
// tested and handed to any engine.Engine.
package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/e7canasta/dronecam/internal/config"
)

// Element names looked up by the workers.
const (
	SplitterName  = "splitter"
	StillSinkName = "imgsink"
	RTPSinkName   = "rtpsink"
)

// FragmentClosedMessage is the element message splitmuxsink posts when a chunk
// file has been finalized.
const FragmentClosedMessage = "splitmuxsink-fragment-closed"

// ShmSize is the shared memory area behind each channel (32 MiB).
const ShmSize = 32 << 20

// RTP and RTCP port layout relative to the configured RTP port.
const (
	RTCPSendOffset    = 1
	RTCPReceiveOffset = 5
)

// RawCaps is the frame format agreed between the feeder and every consumer.
func RawCaps(cfg *config.Config) string {
	return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1",
		cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
}

// Feeder captures the camera once and publishes raw frames into both channels.
func Feeder(cfg *config.Config) string {
	fps := cfg.Camera.FPS
	var b strings.Builder
	fmt.Fprintf(&b, "v4l2src device=%s io-mode=2 ! image/jpeg,framerate=%d/1 ! jpegdec ! "+
		"videorate max-rate=%d drop-only=true ! videoscale ! videoconvert ! %s,pixel-aspect-ratio=1/1 ! "+
		"tee name=t allow-not-linked=true",
		cfg.Camera.Device, fps, fps, RawCaps(cfg))

	for _, path := range []string{cfg.Paths.RecordChannel, cfg.Paths.StreamChannel} {
		fmt.Fprintf(&b, " t. ! queue max-size-buffers=20 max-size-time=2000000000 ! "+
			"shmsink socket-path=%s wait-for-connection=false sync=false async=false shm-size=%d",
			path, ShmSize)
	}
	return b.String()
}

func shmSource(cfg *config.Config, path string) string {
	return fmt.Sprintf("shmsrc socket-path=%s is-live=true do-timestamp=true ! %s", path, RawCaps(cfg))
}

// RecorderKeyInterval keeps several key frames per chunk so splitmuxsink can
// cut close to the requested duration.
func RecorderKeyInterval(cfg *config.Config) int {
	if k := cfg.Camera.FPS / 2; k > 0 {
		return k
	}
	return 1
}

// Recorder reads the record channel into chunked MP4 archives (video mode)
// and an RGB appsink for stills (image mode). At least one mode must be on.
func Recorder(cfg *config.Config) (string, error) {
	if !cfg.NeedsRecorder() {
		return "", fmt.Errorf("recorder pipeline needs video or image mode")
	}

	var b strings.Builder
	b.WriteString(shmSource(cfg, cfg.Paths.RecordChannel))
	b.WriteString(" ! tee name=rt")

	if cfg.VideoMode {
		fmt.Fprintf(&b, " rt. ! queue max-size-buffers=100 max-size-time=6000000000 ! "+
			"x264enc threads=2 bitrate=%d tune=zerolatency speed-preset=ultrafast key-int-max=%d pass=cbr ! "+
			"video/x-h264,profile=baseline ! h264parse ! "+
			"splitmuxsink name=%s location=%s max-size-time=%d muxer-factory=mp4mux async-finalize=true",
			cfg.Encoding.RecordBitrate/1000, RecorderKeyInterval(cfg),
			SplitterName, filepath.Join(cfg.Paths.ArchiveVideoDir, "%09d.mp4"),
			cfg.Encoding.ChunkDuration.Nanoseconds())
	}

	if cfg.ImageMode {
		fmt.Fprintf(&b, " rt. ! queue max-size-buffers=2 leaky=downstream ! videoscale ! videoconvert ! "+
			"video/x-raw,format=RGB,width=%d,height=%d ! "+
			"appsink name=%s emit-signals=true max-buffers=2 drop=true sync=false",
			cfg.Camera.Width, cfg.Camera.Height, StillSinkName)
	}
	return b.String(), nil
}

// liveEncoder is the low-latency H.264 chain shared by the stream worker and
// the distribution server. The key-frame interval is one second of video.
func liveEncoder(cfg *config.Config, threads int) string {
	return fmt.Sprintf("x264enc threads=%d bitrate=%d tune=zerolatency speed-preset=ultrafast key-int-max=%d pass=cbr ! "+
		"video/x-h264,profile=baseline ! h264parse config-interval=1",
		threads, cfg.Encoding.VideoBitrate/1000, cfg.Camera.FPS)
}

// Streamer pushes RTP with RTCP to the configured cast target.
func Streamer(cfg *config.Config) string {
	host := cfg.StreamTarget()
	port := cfg.Cast.Port

	var sinkOpts string
	switch cfg.Cast.Type {
	case config.Multicast:
		sinkOpts = fmt.Sprintf(" auto-multicast=true ttl=%d ttl-mc=%d", cfg.Cast.TTL, cfg.Cast.TTL)
	case config.Broadcast:
		sinkOpts = " broadcast=true"
	}

	var b strings.Builder
	b.WriteString("rtpbin name=rtpbin ")
	fmt.Fprintf(&b, "shmsrc socket-path=%s is-live=true do-timestamp=true ! "+
		"queue leaky=downstream max-size-buffers=0 max-size-time=0 max-size-bytes=0 ! %s ! %s ! "+
		"rtph264pay pt=96 mtu=1400 ! rtpbin.send_rtp_sink_0 ",
		cfg.Paths.StreamChannel, RawCaps(cfg), liveEncoder(cfg, 1))
	fmt.Fprintf(&b, "rtpbin.send_rtp_src_0 ! udpsink host=%s port=%d sync=false async=false%s ",
		host, port, sinkOpts)
	fmt.Fprintf(&b, "rtpbin.send_rtcp_src_0 ! udpsink host=%s port=%d sync=false async=false%s",
		host, port+RTCPSendOffset, sinkOpts)

	// Broadcast receivers never answer, so no RTCP receive branch.
	switch cfg.Cast.Type {
	case config.Multicast:
		fmt.Fprintf(&b, " udpsrc address=%s port=%d auto-multicast=true ! rtpbin.recv_rtcp_sink_0",
			host, port+RTCPReceiveOffset)
	case config.Broadcast:
	default:
		fmt.Fprintf(&b, " udpsrc port=%d ! rtpbin.recv_rtcp_sink_0", port+RTCPReceiveOffset)
	}
	return b.String()
}

// Distribution encodes the stream channel once and exposes RTP packets on
// an appsink for the RTSP server.
func Distribution(cfg *config.Config) string {
	return fmt.Sprintf("%s ! queue leaky=downstream max-size-buffers=4 ! %s ! "+
		"rtph264pay name=pay0 pt=96 mtu=1400 config-interval=1 ! "+
		"appsink name=%s emit-signals=true max-buffers=64 drop=true sync=false",
		shmSource(cfg, cfg.Paths.StreamChannel), liveEncoder(cfg, 2), RTPSinkName)
}
