// Package status carries worker status messages to the supervisor.
//
// Workers own a Reporter that writes messages to the status pipe without
// ever blocking the caller; the supervisor reads every pipe into one bounded
// Inbox and fans drained messages out through a Bus.
package status

import "time"

// Kind tags a Message.
type Kind string

const (
	KindStatus Kind = "status" // lifecycle and informational text
	KindError  Kind = "error"  // recoverable or fatal worker error
	KindChunk  Kind = "chunk"  // a video chunk was closed
	KindImage  Kind = "image"  // a still image was written
)

// Message is one status record sent from a worker to the supervisor.
type Message struct {
	Worker   string    `msgpack:"worker" json:"worker"`
	Kind     Kind      `msgpack:"kind" json:"kind"`
	Text     string    `msgpack:"text" json:"text"`
	File     string    `msgpack:"file,omitempty" json:"file,omitempty"`
	Seq      uint64    `msgpack:"seq,omitempty" json:"seq,omitempty"`
	Category string    `msgpack:"category,omitempty" json:"category,omitempty"`
	Fatal    bool      `msgpack:"fatal,omitempty" json:"fatal,omitempty"`
	At       time.Time `msgpack:"at" json:"at"`
	RunID    string    `msgpack:"run_id,omitempty" json:"run_id,omitempty"`
}

// Status builds an informational message.
func Status(worker, text string) Message {
	return Message{Worker: worker, Kind: KindStatus, Text: text, At: time.Now()}
}

// Error builds an error message with an optional category.
func Error(worker string, err error, category string) Message {
	return Message{Worker: worker, Kind: KindError, Text: err.Error(), Category: category, At: time.Now()}
}

// Chunk builds a chunk-closed message.
func Chunk(worker, file string, seq uint64) Message {
	return Message{Worker: worker, Kind: KindChunk, Text: "chunk closed", File: file, Seq: seq, At: time.Now()}
}

// Image builds an image-written message.
func Image(worker, file string, seq uint64) Message {
	return Message{Worker: worker, Kind: KindImage, Text: "image saved", File: file, Seq: seq, At: time.Now()}
}
