// Package handshake implements the fixed-size wire handshake exchanged on
// every new peer connection.
package handshake

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ErrInvalidProtocol is returned when the remote side speaks something else.
var ErrInvalidProtocol = errors.New("invalid protocol")

var pstr = [19]byte{'d', 'o', 'w', 'n', 'p', 'o', 'u', 'r', ' ', 'p', 'r', 'o', 't', 'o', 'c', 'o', 'l', ' ', '1'}

// Write sends a handshake to w.
func Write(w io.Writer, contentID, peerID [20]byte, extensions [8]byte) error {
	h := struct {
		Pstrlen    byte
		Pstr       [len(pstr)]byte
		Extensions [8]byte
		ContentID  [20]byte
		PeerID     [20]byte
	}{
		Pstrlen:    byte(len(pstr)),
		Pstr:       pstr,
		Extensions: extensions,
		ContentID:  contentID,
		PeerID:     peerID,
	}
	return binary.Write(w, binary.BigEndian, h)
}

// Read1 reads the first part of a handshake, up to and including the content id.
// The content id determines which transfer the connection belongs to, so it
// is read before the peer id to allow early admission decisions.
func Read1(r io.Reader) (extensions [8]byte, contentID [20]byte, err error) {
	var pstrLen byte
	err = binary.Read(r, binary.BigEndian, &pstrLen)
	if err != nil {
		return
	}
	if pstrLen != byte(len(pstr)) {
		err = ErrInvalidProtocol
		return
	}

	received := make([]byte, pstrLen)
	_, err = io.ReadFull(r, received)
	if err != nil {
		return
	}
	if !bytes.Equal(received, pstr[:]) {
		err = ErrInvalidProtocol
		return
	}

	_, err = io.ReadFull(r, extensions[:])
	if err != nil {
		return
	}

	_, err = io.ReadFull(r, contentID[:])
	return
}

// Read2 reads the trailing peer id of a handshake.
func Read2(r io.Reader) (peerID [20]byte, err error) {
	_, err = io.ReadFull(r, peerID[:])
	return
}
