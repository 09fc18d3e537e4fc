// Package udptracker implements a minimal UDP announce protocol in the
// style of BEP 15, both the client and the serving side.
//
// http://bittorrent.org/beps/bep_0015.html
package udptracker

type action int32

const (
	actionConnect  action = 0
	actionAnnounce action = 1
	actionError    action = 3
)

// connectionIDMagic identifies a connect request.
const connectionIDMagic = 0x41727101980

// connectRequestSize is the fixed size of a connect request packet.
const connectRequestSize = 16

// connectResponseSize is the fixed size of a connect response packet.
const connectResponseSize = 16

// announceRequestSize is the minimum size of an announce request packet.
// Shorter packets are answered with an error response.
const announceRequestSize = 98

// announceResponseSize is the fixed-header size of an announce response,
// followed by the compact peer list.
const announceResponseSize = 20

type messageHeader struct {
	Action        action
	TransactionID int32
}

type requestHeader struct {
	ConnectionID int64
	messageHeader
}

type connectRequest struct {
	requestHeader
}

type connectResponse struct {
	messageHeader
	ConnectionID int64
}

type announceRequest struct {
	requestHeader
	ContentID  [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      int32
	IP         uint32
	Key        uint32
	NumWant    int32
	Port       uint16
}

type announceResponse struct {
	messageHeader
	Interval int32
	Leechers int32
	Seeders  int32
}
