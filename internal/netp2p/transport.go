package netp2p

import (
	"context"
	"errors"

	"github.com/nanocurrency/nanod/internal/log"
	"github.com/nanocurrency/nanod/internal/metrics"
	"github.com/nanocurrency/nanod/internal/service"
)

// ErrClosed is returned by Send once a channel has been stopped.
var ErrClosed = errors.New("netp2p: channel closed")

// Conn is the narrow interface both transports need from a net.Conn, so
// tests can substitute an in-memory pipe instead of a real socket.
type Conn interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// datagramJob is one frame queued for transmission, tagged with the ring
// slot backing it so the slot can be released once it's actually written.
type datagramJob struct {
	idx   int
	frame []byte
}

// DatagramChannel is the fire-and-forget transport: sends never block the
// caller, backed by a bounded bufferRing that drops (and counts) the oldest
// queued datagram on overflow rather than exert backpressure. This matches
// gossip-style traffic (keepalive, publish) where a dropped frame is
// harmless — another will follow — but a stalled caller is not.
//
// Two independent rings are kept: ring backs outbound Send, recvRing backs
// RecvLoop's inbound producer/consumer split (spec.md 4.C "shared by
// datagram receivers": allocate+enqueue on receipt, dequeue+release by the
// consumer that processes it).
type DatagramChannel struct {
	service.BaseService

	conn     Conn
	ring     *bufferRing
	recvRing *bufferRing
	log      log.Logger
	m        *metrics.Metrics

	sendCh chan datagramJob
	done   chan struct{}
}

// NewDatagramChannel wraps conn with a bounded send ring of the given size.
func NewDatagramChannel(conn Conn, ringSize int, logger log.Logger, m *metrics.Metrics) *DatagramChannel {
	c := &DatagramChannel{
		conn:     conn,
		ring:     newBufferRing(ringSize),
		recvRing: newBufferRing(ringSize),
		log:      logger,
		m:        m,
		sendCh:   make(chan datagramJob, ringSize),
		done:     make(chan struct{}),
	}
	c.BaseService = *service.NewBaseService(logger, "DatagramChannel", c)
	return c
}

// Send enqueues a frame for transmission. It never blocks: if the ring is
// saturated the oldest pending frame is evicted and the overflow counter
// (exposed via Overflow) increments. The slot Allocate reserves is released
// once run actually writes (or fails to write) the frame, or immediately
// here if the send queue itself is already full.
func (c *DatagramChannel) Send(frame []byte) {
	idx, overflowed := c.ring.Allocate(frame)
	if idx < 0 {
		return // stopped
	}
	if overflowed && c.m != nil {
		c.m.UDPOverflow.Add(1)
	}
	select {
	case c.sendCh <- datagramJob{idx: idx, frame: frame}:
	default:
		// sendCh itself is full: this job will never reach run, so its slot
		// must be released here instead of leaking permanently in-use.
		c.ring.Release(idx)
	}
}

// Overflow reports how many outbound datagrams have been dropped since the
// channel was created.
func (c *DatagramChannel) Overflow() uint64 { return c.ring.Overflow() }

// OnStart launches the channel's outbound send loop in the background.
func (c *DatagramChannel) OnStart(ctx context.Context) error {
	go c.run(ctx)
	return nil
}

// OnStop stops both rings (waking any RecvLoop consumer blocked in Dequeue)
// and closes done, ending run.
func (c *DatagramChannel) OnStop() {
	c.ring.Stop()
	c.recvRing.Stop()
	close(c.done)
}

// run drains queued frames to the connection until ctx is done or the
// channel is stopped.
func (c *DatagramChannel) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case job := <-c.sendCh:
			if _, err := c.conn.Write(job.frame); err != nil {
				if c.log != nil {
					c.log.Debug("datagram send failed", "err", err)
				}
			}
			c.ring.Release(job.idx)
		}
	}
}

// RecvLoop reads datagrams off conn into recvRing until ctx is done or the
// channel is stopped, handing each to handle once a consumer dequeues it.
// A slow handle backs up the ring rather than the socket read, and a
// saturated ring counts as overflow the same way an outbound Send does.
func (c *DatagramChannel) RecvLoop(ctx context.Context, maxFrame int, handle func([]byte) error) error {
	go c.consume(ctx, handle)

	buf := make([]byte, maxFrame)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		n, err := c.conn.Read(buf)
		if err != nil {
			return err
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		idx, overflowed := c.recvRing.Allocate(frame)
		if idx < 0 {
			return nil // stopped
		}
		if overflowed && c.m != nil {
			c.m.UDPOverflow.Add(1)
		}
		c.recvRing.Enqueue(idx)
	}
}

// consume is RecvLoop's dequeue/process/release half, run in its own
// goroutine so a slow handler never blocks the socket read.
func (c *DatagramChannel) consume(ctx context.Context, handle func([]byte) error) {
	for {
		idx, ok := c.recvRing.Dequeue(ctx)
		if !ok {
			return
		}
		data, _ := c.recvRing.Peek(idx)
		if err := handle(data); err != nil && c.log != nil {
			c.log.Debug("datagram handler failed", "err", err)
		}
		c.recvRing.Release(idx)
	}
}

// StreamChannel is the backpressured transport used for request/response
// exchanges (bootstrap pull/push, bulk_pull_account, frontier_req). Frames
// are written to the connection as given; no length prefix or other
// framing is added. Unlike DatagramChannel, Send blocks once the outbound
// queue is full: losing a bootstrap response silently would corrupt the
// puller's bookkeeping, so the caller must be made to wait instead.
type StreamChannel struct {
	service.BaseService

	conn   Conn
	sendCh chan []byte
	done   chan struct{}
}

// NewStreamChannel wraps conn with a bounded, blocking outbound queue.
func NewStreamChannel(conn Conn, queueSize int, logger log.Logger) *StreamChannel {
	c := &StreamChannel{
		conn:   conn,
		sendCh: make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
	c.BaseService = *service.NewBaseService(logger, "StreamChannel", c)
	return c
}

// Send blocks until the frame is queued or the channel is stopped.
func (c *StreamChannel) Send(ctx context.Context, frame []byte) error {
	select {
	case c.sendCh <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnStart launches the channel's outbound send loop in the background.
func (c *StreamChannel) OnStart(ctx context.Context) error {
	go c.run(ctx)
	return nil
}

// OnStop closes done and the underlying connection.
func (c *StreamChannel) OnStop() {
	close(c.done)
	_ = c.conn.Close()
}

func (c *StreamChannel) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.sendCh:
			_, _ = c.conn.Write(frame)
		}
	}
}
