package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/downpour-dl/downpour/internal/piece"
)

// MessageID identifies a peer wire message.
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

var messageNames = [...]string{
	"choke", "unchoke", "interested", "not interested",
	"have", "bitfield", "request", "piece", "cancel",
}

func (id MessageID) String() string {
	if int(id) < len(messageNames) {
		return messageNames[id]
	}
	return fmt.Sprintf("unknown (%d)", id)
}

// maxMessageLength bounds an incoming message: one block plus the piece
// message header. A bitfield message grows with the piece count instead, so
// the effective cap is raised per peer when the transfer has enough pieces.
const maxMessageLength = 1 + 8 + piece.BlockSize

func maxMessageFor(numPieces uint32) uint32 {
	bitfieldLength := (numPieces + 7) / 8
	if m := 1 + bitfieldLength; m > maxMessageLength {
		return m
	}
	return maxMessageLength
}

// ErrInvalidBitfield is returned for a bitfield message whose size does not
// match the piece count.
var ErrInvalidBitfield = errors.New("invalid bitfield length")

// Message is a single wire message. A keep-alive has zero length and no id.
type Message struct {
	ID        MessageID
	Payload   []byte
	KeepAlive bool
}

// ReadMessage reads the next length-prefixed message from the peer.
func (p *Peer) ReadMessage() (Message, error) {
	var m Message
	var length uint32
	if err := binary.Read(p.Conn, binary.BigEndian, &length); err != nil {
		return m, err
	}
	if length == 0 {
		m.KeepAlive = true
		return m, nil
	}
	if length > p.maxMessage {
		return m, fmt.Errorf("message too large: %d bytes", length)
	}
	var id [1]byte
	if _, err := io.ReadFull(p.Conn, id[:]); err != nil {
		return m, err
	}
	m.ID = MessageID(id[0])
	m.Payload = make([]byte, length-1)
	_, err := io.ReadFull(p.Conn, m.Payload)
	return m, err
}

// send writes one message. Concurrent senders on the same peer are
// serialized so messages never interleave on the wire. Each write carries a
// deadline so a remote that stops reading cannot hold the lock forever.
func (p *Peer) send(id MessageID, payload ...[]byte) error {
	length := 1
	for _, b := range payload {
		length += len(b)
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header, uint32(length))
	header[4] = byte(id)

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.setSendDeadline(); err != nil {
		return err
	}
	if _, err := p.Conn.Write(header); err != nil {
		return err
	}
	for _, b := range payload {
		if _, err := p.Conn.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// SendChoke tells the peer we will not serve its requests.
func (p *Peer) SendChoke() error { return p.send(Choke) }

// SendUnchoke tells the peer it may request blocks.
func (p *Peer) SendUnchoke() error { return p.send(Unchoke) }

// SendInterested tells the peer we want to request blocks.
func (p *Peer) SendInterested() error { return p.send(Interested) }

// SendNotInterested tells the peer we have nothing to request.
func (p *Peer) SendNotInterested() error { return p.send(NotInterested) }

// SendHave announces a verified piece.
func (p *Peer) SendHave(index uint32) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, index)
	return p.send(Have, b)
}

// SendBitfield announces all verified pieces at once.
func (p *Peer) SendBitfield(data []byte) error { return p.send(Bitfield, data) }

// SendRequest asks for one block.
func (p *Peer) SendRequest(index, begin, length uint32) error {
	return p.send(Request, requestPayload(index, begin, length))
}

// SendCancel withdraws a previously sent request.
func (p *Peer) SendCancel(index, begin, length uint32) error {
	return p.send(Cancel, requestPayload(index, begin, length))
}

// SendPiece delivers block data.
func (p *Peer) SendPiece(index, begin uint32, data []byte) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], index)
	binary.BigEndian.PutUint32(b[4:8], begin)
	return p.send(Piece, b, data)
}

// SendKeepAlive sends a zero-length message.
func (p *Peer) SendKeepAlive() error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.setSendDeadline(); err != nil {
		return err
	}
	_, err := p.Conn.Write([]byte{0, 0, 0, 0})
	return err
}

func (p *Peer) setSendDeadline() error {
	if p.SendTimeout <= 0 {
		return nil
	}
	return p.Conn.SetWriteDeadline(time.Now().Add(p.SendTimeout))
}

func requestPayload(index, begin, length uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], index)
	binary.BigEndian.PutUint32(b[4:8], begin)
	binary.BigEndian.PutUint32(b[8:12], length)
	return b
}

// ParseRequest parses the payload of a request or cancel message.
func ParseRequest(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		err = fmt.Errorf("invalid request payload length: %d", len(payload))
		return
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	length = binary.BigEndian.Uint32(payload[8:12])
	return
}

// ParsePiece parses the payload of a piece message. The returned data
// aliases the payload.
func ParsePiece(payload []byte) (index, begin uint32, data []byte, err error) {
	if len(payload) < 8 {
		err = fmt.Errorf("invalid piece payload length: %d", len(payload))
		return
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	data = payload[8:]
	return
}

// ParseHave parses the payload of a have message.
func ParseHave(payload []byte) (index uint32, err error) {
	if len(payload) != 4 {
		err = fmt.Errorf("invalid have payload length: %d", len(payload))
		return
	}
	return binary.BigEndian.Uint32(payload), nil
}
