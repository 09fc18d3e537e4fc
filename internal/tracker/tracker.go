// Package tracker defines the announce contract between a transfer and a
// swarm tracker.
package tracker

import (
	"errors"
	"net"
	"time"
)

// ErrDecode is returned when a tracker response cannot be parsed.
var ErrDecode = errors.New("cannot decode tracker response")

// Event is the transfer state change reported in an announce.
type Event int32

const (
	// EventNone is a periodic announce.
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

var eventNames = [...]string{"empty", "completed", "started", "stopped"}

func (e Event) String() string { return eventNames[e] }

// AnnounceRequest is sent to the tracker on each announce.
type AnnounceRequest struct {
	ContentID  [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      Event
	NumWant    int
	Port       uint16
}

// AnnounceResponse contains the tracker's reply.
type AnnounceResponse struct {
	Interval time.Duration
	Seeders  int32
	Leechers int32
	Peers    []*net.TCPAddr
}
