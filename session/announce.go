package session

import (
	"context"
	"net"
	"time"

	"github.com/downpour-dl/downpour/internal/tracker"
	"github.com/downpour-dl/downpour/internal/tracker/udptracker"
)

// stoppedEventTimeout bounds the final announce sent when a transfer stops.
const stoppedEventTimeout = 5 * time.Second

// announceLoop announces the transfer to its trackers and the local
// discovery group, and dials returned peer addresses. It runs until the
// transfer is stopped.
func (t *Transfer) announceLoop(stopC chan struct{}) {
	defer t.wg.Done()
	s := t.session

	clients := make([]*udptracker.Client, 0, len(t.trackers))
	for _, dest := range t.trackers {
		c, err := udptracker.NewClient(dest)
		if err != nil {
			t.log.Errorf("cannot create tracker client for %s: %s", dest, err)
			continue
		}
		clients = append(clients, c)
	}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	event := tracker.EventStarted
	announcedComplete := t.pm.Complete()
	for {
		if s.disco != nil {
			if err := s.disco.Announce(t.info.ID); err != nil {
				t.log.Debugln("discovery announce failed:", err)
			}
		}

		if !announcedComplete && t.pm.Complete() {
			// Completed is announced once, then the transfer keeps
			// announcing as a seed.
			event = tracker.EventCompleted
			announcedComplete = true
		}

		interval := s.config.MinAnnounceInterval
		for _, c := range clients {
			ctx, cancel := context.WithTimeout(context.Background(), s.config.MinAnnounceInterval)
			resp, err := c.Announce(ctx, t.announceRequest(event))
			cancel()
			if err != nil {
				t.log.Debugln("announce failed:", err)
				continue
			}
			if resp.Interval > interval {
				interval = resp.Interval
			}
			for _, addr := range resp.Peers {
				t.connectTo(addr)
			}
		}
		event = tracker.EventNone

		select {
		case <-stopC:
			t.announceStopped(clients)
			return
		case <-time.After(interval):
		}
	}
}

func (t *Transfer) announceStopped(clients []*udptracker.Client) {
	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), stoppedEventTimeout)
		_, _ = c.Announce(ctx, t.announceRequest(tracker.EventStopped))
		cancel()
	}
}

func (t *Transfer) announceRequest(event tracker.Event) tracker.AnnounceRequest {
	s := t.session
	verified := int64(t.pm.Bitfield().Count())
	left := t.mapper.TotalLength() - verified*int64(t.info.PieceLength)
	if left < 0 {
		left = 0
	}
	return tracker.AnnounceRequest{
		ContentID:  t.info.ID,
		PeerID:     s.peerID,
		Downloaded: t.downloaded.Count(),
		Left:       left,
		Uploaded:   t.uploaded.Count(),
		Event:      event,
		NumWant:    s.config.NumWant,
		Port:       s.port,
	}
}

// AddPeer connects the transfer to a known peer address.
// Useful when an address is obtained outside the tracker and discovery
// paths.
func (t *Transfer) AddPeer(addr *net.TCPAddr) {
	t.connectTo(addr)
}
