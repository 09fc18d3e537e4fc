package udptracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/downpour-dl/downpour/internal/logger"
	"github.com/downpour-dl/downpour/internal/tracker"
)

// connectionIDInterval is how long an obtained connection id stays valid.
const connectionIDInterval = time.Minute

// requestTimeout bounds a single request/response round trip. Retrying
// across round trips is the backoff schedule's job.
const requestTimeout = 15 * time.Second

// Client announces to a single UDP tracker.
type Client struct {
	dest string
	conn *net.UDPConn

	mu         sync.Mutex
	connID     int64
	connIDTime time.Time

	log logger.Logger
}

// NewClient returns a client for the tracker at dest ("host:port").
func NewClient(dest string) (*Client, error) {
	addr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		dest: dest,
		conn: conn,
		log:  logger.New("tracker client " + dest),
	}, nil
}

// Close closes the client socket.
func (c *Client) Close() error { return c.conn.Close() }

// Announce sends an announce request, retrying transient failures with an
// exponential backoff until ctx is done. Tracker error responses are
// returned without retry.
func (c *Client) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	var resp *tracker.AnnounceResponse
	op := func() error {
		var err error
		resp, err = c.announce(ctx, req)
		return err
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	connID, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	areq := announceRequest{
		requestHeader: requestHeader{
			ConnectionID:  connID,
			messageHeader: messageHeader{Action: actionAnnounce, TransactionID: newTransactionID()},
		},
		ContentID:  req.ContentID,
		PeerID:     req.PeerID,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		Uploaded:   req.Uploaded,
		Event:      int32(req.Event),
		NumWant:    int32(req.NumWant),
		Port:       req.Port,
	}
	var buf bytes.Buffer
	if err = binary.Write(&buf, binary.BigEndian, &areq); err != nil {
		return nil, err
	}
	data, err := c.roundTrip(ctx, buf.Bytes(), areq.TransactionID)
	if err != nil {
		return nil, err
	}
	if len(data) < announceResponseSize {
		return nil, tracker.ErrDecode
	}
	var aresp announceResponse
	_ = binary.Read(bytes.NewReader(data), binary.BigEndian, &aresp)
	if aresp.Action != actionAnnounce {
		return nil, tracker.ErrDecode
	}
	peers, err := tracker.DecodePeersCompact(data[announceResponseSize:])
	if err != nil {
		return nil, tracker.ErrDecode
	}
	return &tracker.AnnounceResponse{
		Interval: time.Duration(aresp.Interval) * time.Second,
		Seeders:  aresp.Seeders,
		Leechers: aresp.Leechers,
		Peers:    peers,
	}, nil
}

// connect obtains a connection id, reusing a cached one while it is fresh.
func (c *Client) connect(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connID != 0 && time.Since(c.connIDTime) < connectionIDInterval {
		return c.connID, nil
	}
	req := connectRequest{
		requestHeader: requestHeader{
			ConnectionID:  connectionIDMagic,
			messageHeader: messageHeader{Action: actionConnect, TransactionID: newTransactionID()},
		},
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &req); err != nil {
		return 0, err
	}
	data, err := c.roundTrip(ctx, buf.Bytes(), req.TransactionID)
	if err != nil {
		return 0, err
	}
	if len(data) < connectResponseSize {
		return 0, tracker.ErrDecode
	}
	var resp connectResponse
	_ = binary.Read(bytes.NewReader(data), binary.BigEndian, &resp)
	if resp.Action != actionConnect {
		return 0, tracker.ErrDecode
	}
	if resp.ConnectionID == 0 {
		return 0, errors.New("tracker returned zero connection id")
	}
	c.connID = resp.ConnectionID
	c.connIDTime = time.Now()
	return c.connID, nil
}

// roundTrip sends one packet and waits for the response carrying the same
// transaction id. Responses for other transactions are discarded.
func (c *Client) roundTrip(ctx context.Context, packet []byte, transactionID int32) ([]byte, error) {
	deadline := time.Now().Add(requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(packet); err != nil {
		return nil, err
	}
	buf := make([]byte, 1500)
	for {
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		if n < 8 {
			continue
		}
		var h messageHeader
		_ = binary.Read(bytes.NewReader(buf[:n]), binary.BigEndian, &h)
		if h.TransactionID != transactionID {
			c.log.Debugf("discarding response for transaction %d", h.TransactionID)
			continue
		}
		if h.Action == actionError {
			msg := string(buf[8:n])
			return nil, backoff.Permanent(fmt.Errorf("tracker error: %s", msg))
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		return data, nil
	}
}

func newTransactionID() int32 { return rand.Int31() }
