package rollback

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/couchbase/dcpclient/wire"
)

// Sender issues a request to the vbucket's owning channel and waits
// for its correlated response, implemented by *channel.Channel.
type Sender interface {
	Request(f *wire.Frame, timeout time.Duration) (*wire.Frame, error)
}

// Poller periodically issues OBSERVE_SEQNO for every tracked vbucket
// and records the persisted seqno it reports, the PersistencePollingHandler
// of spec.md §4.7.
type Poller struct {
	sender    Sender
	tracker   *PersistedSeqnoTracker
	interval  time.Duration
	timeout   time.Duration
	vbuckets  []uint16
	stop      chan struct{}
	onObserve func(vbno uint16)
}

func NewPoller(sender Sender, tracker *PersistedSeqnoTracker, interval time.Duration, vbuckets []uint16) *Poller {
	return &Poller{
		sender:   sender,
		tracker:  tracker,
		interval: interval,
		timeout:  interval,
		vbuckets: append([]uint16(nil), vbuckets...),
		stop:     make(chan struct{}),
	}
}

// OnObserve registers a callback invoked with the vbucket number every
// time this poller records a fresh persisted-seqno reading, so a
// Mitigator can be told to re-check its buffer for newly eligible
// events.
func (p *Poller) OnObserve(fn func(vbno uint16)) { p.onObserve = fn }

// Run polls until Stop is called. It's meant to run on its own
// goroutine; each tick issues OBSERVE_SEQNO for every vbucket.
func (p *Poller) Run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			for _, vbno := range p.vbuckets {
				resp, err := p.sender.Request(observeSeqnoFrame(vbno), p.timeout)
				if err != nil {
					continue // channel likely dropped; the next Reconcile will replace this poller
				}
				p.HandleObserveSeqnoResponse(resp.Value)
			}
		}
	}
}

func (p *Poller) Stop() { close(p.stop) }

// HandleObserveSeqnoResponse parses an OBSERVE_SEQNO response body and
// records the persisted seqno it carries. Layout (non-failover-case):
// format(1) vbid(2) vbuuid(8) currentSeqno(8) persistedSeqno(8).
func (p *Poller) HandleObserveSeqnoResponse(body []byte) error {
	if len(body) < 27 {
		return errors.Errorf("dcpclient/rollback: OBSERVE_SEQNO response too short: %d bytes", len(body))
	}
	vbno := binary.BigEndian.Uint16(body[1:3])
	persisted := binary.BigEndian.Uint64(body[19:27])
	p.tracker.Observe(vbno, persisted)
	if p.onObserve != nil {
		p.onObserve(vbno)
	}
	return nil
}

func observeSeqnoFrame(vbno uint16) *wire.Frame {
	return &wire.Frame{
		Header: wire.Header{Request: true, Opcode: wire.ObserveSeqno, VBucket: vbno},
	}
}
