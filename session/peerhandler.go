package session

import (
	"context"
	"time"

	"github.com/downpour-dl/downpour/internal/peer"
)

// runPeer drives one peer connection: it exchanges bitfields, requests
// blocks selected by the piece manager, writes delivered blocks to disk and
// serves the peer's requests from verified pieces. It returns when the
// connection closes.
func (t *Transfer) runPeer(pe *peer.Peer) error {
	pe.PeerChoking = true

	now := time.Now()
	t.mu.Lock()
	t.peers[pe] = &peerState{lastActivity: now, lastBlock: now}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.peers, pe)
		t.mu.Unlock()
		t.pm.HandleDisconnect(pe)
		pe.Close()
	}()

	bf := t.pm.Bitfield()
	if bf.Count() > 0 {
		if err := pe.SendBitfield(bf.Bytes()); err != nil {
			return err
		}
	}

	sentInterested := false
	for {
		m, err := pe.ReadMessage()
		if err != nil {
			// Transient network error: drop the connection, in-flight
			// blocks go back to the selection pool via the deferred
			// disconnect handling.
			t.log.Debugf("peer %s gone: %s", pe, err)
			return nil
		}
		t.touch(pe)
		if m.KeepAlive {
			continue
		}

		switch m.ID {
		case peer.Have:
			index, err := peer.ParseHave(m.Payload)
			if err != nil {
				return err
			}
			if err := t.pm.HandleHave(pe, index); err != nil {
				// Protocol violation, terminate.
				return err
			}
			pe.Bitfield.Set(index)
			sentInterested = t.maybeInterested(pe, sentInterested)
			t.requestMore(pe)

		case peer.Bitfield:
			if len(m.Payload) != len(pe.Bitfield.Bytes()) {
				return peer.ErrInvalidBitfield
			}
			for i := uint32(0); i < t.info.NumPieces; i++ {
				if m.Payload[i/8]&(1<<(7-i%8)) != 0 {
					pe.Bitfield.Set(i)
					if err := t.pm.HandleHave(pe, i); err != nil {
						return err
					}
				}
			}
			sentInterested = t.maybeInterested(pe, sentInterested)

		case peer.Unchoke:
			t.pm.HandleUnchoke(pe)
			t.requestMore(pe)

		case peer.Choke:
			t.pm.HandleChoke(pe)

		case peer.Interested:
			// No choking algorithm: anyone interested is served.
			if err := pe.SendUnchoke(); err != nil {
				return err
			}

		case peer.NotInterested:
			// Nothing to serve anymore, re-choke until the next interest.
			if err := pe.SendChoke(); err != nil {
				return err
			}

		case peer.Request:
			index, begin, length, err := peer.ParseRequest(m.Payload)
			if err != nil {
				return err
			}
			if err := t.servePiece(pe, index, begin, length); err != nil {
				return err
			}

		case peer.Cancel:
			// Requests are served synchronously, nothing queued to cancel.

		case peer.Piece:
			index, begin, data, err := peer.ParsePiece(m.Payload)
			if err != nil {
				return err
			}
			if err := t.handleBlock(pe, index, begin, data); err != nil {
				return err
			}
			t.requestMore(pe)

		default:
			t.log.Debugf("ignoring message %s from %s", m.ID, pe)
		}
	}
}

func (t *Transfer) touch(pe *peer.Peer) {
	t.mu.Lock()
	if st, ok := t.peers[pe]; ok {
		st.lastActivity = time.Now()
	}
	t.mu.Unlock()
}

// maybeInterested tells the peer we want blocks, once.
func (t *Transfer) maybeInterested(pe *peer.Peer, sent bool) bool {
	if sent || t.pm.Complete() {
		return sent
	}
	if err := pe.SendInterested(); err != nil {
		return sent
	}
	return true
}

// requestMore keeps the peer's request queue filled.
func (t *Transfer) requestMore(pe *peer.Peer) {
	if pe.PeerChoking {
		return
	}
	for {
		t.mu.Lock()
		st, ok := t.peers[pe]
		if !ok || st.outstanding >= t.session.config.RequestQueueLength {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		req, ok := t.pm.SelectNextRequest(pe)
		if !ok {
			return
		}
		if err := pe.SendRequest(req.Piece, req.Block.Begin, req.Block.Length); err != nil {
			pe.Close()
			return
		}
		t.mu.Lock()
		if st, ok := t.peers[pe]; ok {
			st.outstanding++
		}
		t.mu.Unlock()
	}
}

// handleBlock accepts one delivered block: write, record the result, verify
// the piece when it is fully on disk.
func (t *Transfer) handleBlock(pe *peer.Peer, index, begin uint32, data []byte) error {
	s := t.session

	t.mu.Lock()
	if st, ok := t.peers[pe]; ok {
		if st.outstanding > 0 {
			st.outstanding--
		}
		st.lastBlock = time.Now()
	}
	t.mu.Unlock()

	wi, cancels, ok, err := t.pm.OnBlockReceived(pe, index, begin, data)
	if err != nil {
		// Protocol violation, the connection must go.
		return err
	}
	for _, other := range cancels {
		if cerr := other.SendCancel(index, begin, uint32(len(data))); cerr != nil {
			other.Close()
			continue
		}
		// The request slot is free even if the remote delivers anyway; a
		// delivered duplicate decrements at most to zero.
		t.mu.Lock()
		if st, ok := t.peers[other]; ok && st.outstanding > 0 {
			st.outstanding--
		}
		t.mu.Unlock()
	}
	if !ok {
		// Duplicate endgame delivery, first one won.
		return nil
	}

	if s.downloadLimiter != nil {
		s.downloadLimiter.Wait(int64(len(data)))
	}
	s.bytesDownloaded.Inc(int64(len(data)))
	t.downloaded.Inc(int64(len(data)))

	writeErr := s.engine.WriteSections(context.Background(), wi.Sections, wi.Data)
	if t.pm.HandleWriteResult(wi.Piece, wi.Begin, writeErr) {
		if _, verr := t.pm.Verify(context.Background(), wi.Piece); verr != nil {
			t.log.Errorln("cannot verify piece:", verr)
		}
	}
	return nil
}

// servePiece answers a block request from verified data on disk.
func (t *Transfer) servePiece(pe *peer.Peer, index, begin, length uint32) error {
	s := t.session
	if index >= t.info.NumPieces || !t.pm.Bitfield().Test(index) {
		t.log.Debugf("peer %s requested piece %d we do not have", pe, index)
		return nil
	}
	secs, err := t.mapper.Map(index, begin, length)
	if err != nil {
		// Request outside the piece bounds is a protocol violation.
		return err
	}
	buf := make([]byte, length)
	if err := s.engine.ReadSections(context.Background(), secs, buf); err != nil {
		t.log.Errorln("cannot read piece data:", err)
		return nil
	}
	if s.uploadLimiter != nil {
		s.uploadLimiter.Wait(int64(length))
	}
	if err := pe.SendPiece(index, begin, buf); err != nil {
		return err
	}
	s.bytesUploaded.Inc(int64(length))
	t.uploaded.Inc(int64(length))
	return nil
}

// snubTimeout is how long a peer with outstanding requests may go without
// delivering a block before its piece is offered to other peers.
const snubTimeout = time.Minute

// reapStalePeers closes idle connections, marks silent downloaders as
// snubbed and keeps the rest alive.
func (t *Transfer) reapStalePeers(idle time.Duration) {
	now := time.Now()
	t.mu.Lock()
	stale := make([]*peer.Peer, 0)
	fresh := make([]*peer.Peer, 0, len(t.peers))
	snubbed := make([]*peer.Peer, 0)
	for pe, st := range t.peers {
		if now.Sub(st.lastActivity) > idle {
			stale = append(stale, pe)
			continue
		}
		fresh = append(fresh, pe)
		if st.outstanding > 0 && now.Sub(st.lastBlock) > snubTimeout {
			snubbed = append(snubbed, pe)
		}
	}
	t.mu.Unlock()

	for _, pe := range stale {
		t.log.Debugf("closing idle peer %s", pe)
		pe.Close()
	}
	for _, pe := range snubbed {
		t.log.Debugf("peer %s snubbed us", pe)
		t.pm.HandleSnubbed(pe)
	}
	for _, pe := range fresh {
		if err := pe.SendKeepAlive(); err != nil {
			pe.Close()
		}
	}
}
