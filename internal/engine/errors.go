package engine

import "strings"

// ErrorCategory classifies engine errors for status reporting.
type ErrorCategory int

const (
	// ErrCategoryNetwork covers socket, UDP and RTSP failures.
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec covers negotiation, encode and decode failures.
	ErrCategoryCodec
	// ErrCategoryDevice covers the camera and the shared channels.
	ErrCategoryDevice
	// ErrCategoryStorage covers archive writes.
	ErrCategoryStorage
	// ErrCategoryUnknown indicates unclassified errors.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Go-gst does not expose the GError domain, so classification is keyword based.
var (
	storageKeywords = []string{
		"no space left",
		"could not write",
		"could not open file",
		"read-only file system",
		"splitmuxsink",
		"filesink",
		"mp4mux",
	}
	deviceKeywords = []string{
		"v4l2",
		"/dev/video",
		"device",
		"busy",
		"shmsrc",
		"shmsink",
		"control socket",
		"permission denied",
	}
	codecKeywords = []string{
		"codec",
		"decode",
		"encode",
		"x264",
		"negotiation",
		"not negotiated",
		"not-negotiated",
		"caps",
		"h264",
		"jpeg",
		"missing plugin",
		"no element",
	}
	networkKeywords = []string{
		"connection",
		"timeout",
		"unreachable",
		"network",
		"socket",
		"udp",
		"rtsp",
		"could not connect",
	}
)

// Classify returns the category of an engine error from its message and
// debug string. Storage and device checks run first because their messages
// often mention sockets or codecs too.
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)

	switch {
	case containsAny(combined, storageKeywords):
		return ErrCategoryStorage
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
