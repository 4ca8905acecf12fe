package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bluenviron/gortsplib/v4"
	rtspbase "github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"github.com/e7canasta/dronecam/internal/engine"
	"github.com/e7canasta/dronecam/internal/pipeline"
)

// MountPath is where RTSP clients pull the live feed.
const MountPath = "/live"

// Distribution serves the stream channel over RTSP. One upstream encode is
// shared by every connected client.
type Distribution struct {
	base

	// Address overrides ":<rtsp_port>" when set.
	Address string

	server *rtspServer
}

// Run implements Worker.
func (d *Distribution) Run(ctx context.Context) error {
	// The port is bound only once the channel exists, so clients never hit
	// a mount without a feed behind it.
	if stopped, err := d.waitFor(ctx, d.cfg.Paths.StreamChannel, "stream channel"); stopped || err != nil {
		return err
	}

	addr := d.Address
	if addr == "" {
		addr = fmt.Sprintf(":%d", d.cfg.RTSPPort)
	}
	d.server = newRTSPServer(addr, MountPath)
	if err := d.server.Start(); err != nil {
		return d.fatal(err)
	}
	defer d.server.Close()

	p, err := d.launch(pipeline.Distribution(d.cfg), func(p engine.Pipeline) error {
		return p.OnSample(pipeline.RTPSinkName, d.server.WriteRTP)
	})
	if err != nil {
		return err
	}

	slog.Info("rtsp distribution ready", "address", addr, "mount", MountPath)
	d.status(fmt.Sprintf("rtsp server ready at rtsp://<host>:%d%s", d.cfg.RTSPPort, MountPath))

	err = d.run(ctx, p, engine.Hooks{}, false)
	slog.Info("rtsp distribution finished",
		"packets", d.server.packets.Load(),
		"invalid_packets", d.server.invalid.Load(),
	)
	return err
}

// rtspServer exposes one shared H.264 stream at a single mount.
type rtspServer struct {
	path   string
	server *gortsplib.Server
	stream *gortsplib.ServerStream
	media  *description.Media

	sessions atomic.Int64
	packets  atomic.Uint64
	invalid  atomic.Uint64
}

func newRTSPServer(address, path string) *rtspServer {
	s := &rtspServer{
		path: path,
		media: &description.Media{
			Type: description.MediaTypeVideo,
			Formats: []format.Format{&format.H264{
				PayloadTyp:        96,
				PacketizationMode: 1,
			}},
		},
	}
	s.server = &gortsplib.Server{
		Handler:     s,
		RTSPAddress: address,
	}
	return s
}

func (s *rtspServer) Start() error {
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("failed to start rtsp server on %s: %w", s.server.RTSPAddress, err)
	}
	s.stream = gortsplib.NewServerStream(s.server, &description.Session{
		Medias: []*description.Media{s.media},
	})
	return nil
}

func (s *rtspServer) Close() {
	if s.stream != nil {
		s.stream.Close()
	}
	s.server.Close()
}

// WriteRTP is the appsink callback: every sample is one RTP packet from
// rtph264pay.
func (s *rtspServer) WriteRTP(sample engine.Sample) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(sample.Data); err != nil {
		s.invalid.Add(1)
		return
	}
	if err := s.stream.WritePacketRTP(s.media, &pkt); err != nil {
		s.invalid.Add(1)
		return
	}
	s.packets.Add(1)
}

func (s *rtspServer) mounted(path string) bool {
	path = strings.Trim(path, "/")
	mount := strings.Trim(s.path, "/")
	return path == mount || strings.HasPrefix(path, mount+"/")
}

func (s *rtspServer) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	slog.Debug("rtsp connection opened", "remote", ctx.Conn.NetConn().RemoteAddr())
}

func (s *rtspServer) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	slog.Debug("rtsp connection closed", "remote", ctx.Conn.NetConn().RemoteAddr(), "reason", ctx.Error)
}

func (s *rtspServer) OnSessionOpen(ctx *gortsplib.ServerHandlerOnSessionOpenCtx) {
	slog.Info("rtsp client joined", "sessions", s.sessions.Add(1))
}

func (s *rtspServer) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	slog.Info("rtsp client left", "sessions", s.sessions.Add(-1))
}

func (s *rtspServer) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*rtspbase.Response, *gortsplib.ServerStream, error) {
	if !s.mounted(ctx.Path) {
		return &rtspbase.Response{StatusCode: rtspbase.StatusNotFound}, nil, nil
	}
	return &rtspbase.Response{StatusCode: rtspbase.StatusOK}, s.stream, nil
}

func (s *rtspServer) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*rtspbase.Response, *gortsplib.ServerStream, error) {
	if !s.mounted(ctx.Path) {
		return &rtspbase.Response{StatusCode: rtspbase.StatusNotFound}, nil, nil
	}
	return &rtspbase.Response{StatusCode: rtspbase.StatusOK}, s.stream, nil
}

func (s *rtspServer) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*rtspbase.Response, error) {
	return &rtspbase.Response{StatusCode: rtspbase.StatusOK}, nil
}
