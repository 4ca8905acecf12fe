package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/e7canasta/dronecam/internal/engine"
	"github.com/e7canasta/dronecam/internal/pipeline"
)

// Streamer encodes the stream channel and pushes RTP/RTCP to the cast target.
type Streamer struct {
	base
}

// Run implements Worker.
func (s *Streamer) Run(ctx context.Context) error {
	if stopped, err := s.waitFor(ctx, s.cfg.Paths.StreamChannel, "stream channel"); stopped || err != nil {
		return err
	}

	p, err := s.launch(pipeline.Streamer(s.cfg), nil)
	if err != nil {
		return err
	}

	target := s.cfg.StreamTarget()
	slog.Info("stream worker started",
		"cast", s.cfg.Cast.Type,
		"target", target,
		"rtp_port", s.cfg.Cast.Port,
		"rtcp_send_port", s.cfg.Cast.Port+pipeline.RTCPSendOffset,
		"rtcp_receive_port", s.cfg.Cast.Port+pipeline.RTCPReceiveOffset,
		"bitrate", s.cfg.Encoding.VideoBitrate,
	)
	s.status(fmt.Sprintf("streaming %s to %s:%d", s.cfg.Cast.Type, target, s.cfg.Cast.Port))

	return s.run(ctx, p, engine.Hooks{}, false)
}
