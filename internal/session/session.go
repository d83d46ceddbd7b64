// Package session implements the upstream engine's per-peer session: the
// subscription handshake, and the missed-product and backlog streams that
// follow it. One Session serves one downstream peer connection for its
// lifetime: the stdinserver subcommand runs exactly one per process, the
// serve subcommand runs one per accepted connection.
package session

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/unidata/ldm7up/internal/logger"
	"github.com/unidata/ldm7up/internal/mcast"
	"github.com/unidata/ldm7up/internal/metrics"
	"github.com/unidata/ldm7up/internal/model"
	"github.com/unidata/ldm7up/internal/policy"
	"github.com/unidata/ldm7up/internal/prodindex"
	"github.com/unidata/ldm7up/internal/productqueue"
	"github.com/unidata/ldm7up/internal/vcircuit"
	"github.com/unidata/ldm7up/internal/wire"
)

// Deps are the collaborators a Session is wired to. The product queue is
// opened lazily by each Session on its successful handshake, so it is
// passed as a factory.
type Deps struct {
	Policy        *policy.Client
	VC            vcircuit.Provisioner
	Mcast         mcast.Client
	OpenProdIndex func(ctx context.Context, feed model.FeedSet) (prodindex.Map, error)
	OpenProdQueue func() (productqueue.Queue, error)
	LocalVcEnd    model.VcEndpoint
	Workgroup     string
	PeerHostID    string
	PeerAddr      net.IP
	Log           logger.Logger
}

// Session owns every resource acquired on behalf of one downstream peer and
// releases them exactly once, regardless of which code path (normal return,
// handshake failure, transport error) triggers the release.
//
// There are no locks on Session's fields: the dispatcher goroutine that
// calls Conn.Serve is the only mutator, by construction of the process
// model (one goroutine serving each peer).
type Session struct {
	deps Deps
	conn *wire.Conn
	id   uuid.UUID

	feed         model.FeedSet
	downFmtpAddr net.IP
	circuitID    string
	pim          prodindex.Map
	pq           productqueue.Queue
	done         bool
	closed       bool
}

func New(deps Deps, conn *wire.Conn) *Session {
	return &Session{deps: deps, conn: conn, id: uuid.New()}
}

// invariant (checked informally, exercised by tests): feed == NoFeed iff
// downFmtpAddr == nil; pim/pq are both set or both unset.

func (s *Session) Subscribe(req model.SubscriptionRequest) (reply model.SubscriptionReply, err error) {
	ctx := context.Background()
	log := s.deps.Log.WithField("session", s.id.String()).WithField("desired_feed", req.DesiredFeed.String())

	allowed, err := s.deps.Policy.AllowedFeeds(s.deps.PeerHostID, s.deps.PeerAddr)
	if err != nil {
		return reply, errors.Wrap(err, "session: policy lookup failed")
	}
	reduced := req.DesiredFeed.Intersect(allowed)
	if reduced.IsNone() {
		log.Warn("peer not authorized for any requested feed")
		return model.SubscriptionReply{Status: model.StatusUnauthorized}, nil
	}
	log = log.WithField("feed", reduced.String())

	description := "ldm7up:" + reduced.String()
	circuitID, err := s.deps.VC.Provision(ctx, s.deps.Workgroup, description, s.deps.LocalVcEnd, req.PeerVcEnd)
	if err != nil {
		return reply, errors.Wrap(err, "session: virtual circuit provisioning failed")
	}

	info, err := s.deps.Mcast.Subscribe(ctx, reduced)
	if errors.Is(err, mcast.ErrNotMulticast) {
		log.Notice("feed allowed but not currently multicast")
		if rmErr := s.deps.VC.Remove(ctx, s.deps.Workgroup, circuitID); rmErr != nil {
			log.WithError(rmErr).Error("failed to remove circuit after not-multicast reply")
		}
		return model.SubscriptionReply{Status: model.StatusNotMulticast}, nil
	}
	if err != nil {
		if rmErr := s.deps.VC.Remove(ctx, s.deps.Workgroup, circuitID); rmErr != nil {
			log.WithError(rmErr).Error("failed to remove circuit after multicast subscribe error")
		}
		return reply, errors.Wrap(err, "session: multicast manager subscribe failed")
	}

	pim, err := s.deps.OpenProdIndex(ctx, reduced)
	if err != nil {
		if unsubErr := s.deps.Mcast.Unsubscribe(ctx, reduced, info.FmtpClientAddr); unsubErr != nil {
			log.WithError(unsubErr).Error("failed to unsubscribe after index-map open error")
		}
		if rmErr := s.deps.VC.Remove(ctx, s.deps.Workgroup, circuitID); rmErr != nil {
			log.WithError(rmErr).Error("failed to remove circuit after index-map open error")
		}
		return reply, errors.Wrap(err, "session: product-index map open failed")
	}

	pq, err := s.deps.OpenProdQueue()
	if err != nil {
		pim.Close()
		if unsubErr := s.deps.Mcast.Unsubscribe(ctx, reduced, info.FmtpClientAddr); unsubErr != nil {
			log.WithError(unsubErr).Error("failed to unsubscribe after product-queue open error")
		}
		if rmErr := s.deps.VC.Remove(ctx, s.deps.Workgroup, circuitID); rmErr != nil {
			log.WithError(rmErr).Error("failed to remove circuit after product-queue open error")
		}
		return reply, errors.Wrap(err, "session: product queue open failed")
	}

	s.feed = reduced
	s.downFmtpAddr = info.FmtpClientAddr
	s.circuitID = circuitID
	s.pim = pim
	s.pq = pq

	log.WithField("circuit", circuitID).Info("session subscribed")
	metrics.SessionStarted()
	metrics.SetCircuitHeld(true)

	return model.SubscriptionReply{
		Status:         model.StatusOK,
		McastGroupAddr: info.McastGroupAddr,
		McastGroupPort: info.McastGroupPort,
		FmtpServerAddr: info.FmtpServerAddr,
		FmtpServerPort: info.FmtpServerPort,
		FmtpClientAddr: info.FmtpClientAddr,
		FmtpClientCIDR: info.FmtpClientCIDR,
	}, nil
}

func (s *Session) RequestProduct(index model.SequenceIndex) error {
	if s.done {
		return errors.New("session: request received after session done")
	}
	if s.pim == nil || s.pq == nil {
		s.done = true
		return errors.New("session: product requested before subscribe succeeded")
	}

	ctx := context.Background()
	sig, err := s.pim.Get(ctx, index)
	if errors.Is(err, prodindex.ErrNotFound) {
		return s.sendNoSuchProduct(index)
	}
	if err != nil {
		s.done = true
		return errors.Wrap(err, "session: product-index lookup failed")
	}

	var product model.Product
	found, err := s.pq.ProcessProduct(ctx, sig, func(p model.Product) error {
		product = p
		return nil
	})
	if err != nil {
		s.done = true
		return errors.Wrap(err, "session: product queue lookup failed")
	}
	if !found {
		return s.sendNoSuchProduct(index)
	}

	if err := s.conn.SendDeliverMissedProduct(index, product); err != nil {
		s.done = true
		return errors.Wrap(err, "session: failed to deliver missed product")
	}
	metrics.MissedProductSent()
	return nil
}

func (s *Session) sendNoSuchProduct(index model.SequenceIndex) error {
	if err := s.conn.SendNoSuchProduct(index); err != nil {
		s.done = true
		return errors.Wrap(err, "session: failed to send no-such-product")
	}
	metrics.NoSuchProductSent()
	return nil
}

func (s *Session) RequestBacklog(req model.BacklogRequest) error {
	if s.done {
		return errors.New("session: backlog requested after session done")
	}
	if s.pq == nil {
		s.done = true
		return errors.New("session: backlog requested before subscribe succeeded")
	}

	ctx := context.Background()
	log := s.deps.Log.WithField("session", s.id.String()).WithField("feed", s.feed.String())

	positioned := false
	if req.AfterIsSet {
		found, err := s.pq.SetCursorFromSignature(ctx, req.After)
		if err != nil {
			s.done = true
			return errors.Wrap(err, "session: backlog cursor-by-signature failed")
		}
		positioned = found
	}
	if !positioned {
		target := time.Now().Add(-req.TimeOffset)
		if err := s.pq.SetCursorFromTime(ctx, target); err != nil {
			s.done = true
			return errors.Wrap(err, "session: backlog cursor-by-time failed")
		}
	}

	class := model.MatchAllFeeds.NarrowedTo(s.feed)
	err := s.pq.Sequence(ctx, class, func(p model.Product) error {
		if p.Signature == req.Before {
			return productqueue.ErrStopRequested
		}
		if err := s.conn.SendDeliverBacklogProduct(p); err != nil {
			return err
		}
		metrics.BacklogProductSent()
		return nil
	})

	switch {
	case errors.Is(err, productqueue.ErrStopRequested):
		return nil
	case errors.Is(err, productqueue.ErrEndOfQueue):
		log.Info("backlog replay reached end of queue without observing stop signature")
		return nil
	case err != nil:
		s.done = true
		return errors.Wrap(err, "session: backlog replay failed")
	}
	return nil
}

func (s *Session) TestConnection() error {
	return nil
}

// Close releases every resource this session acquired. It is idempotent
// and safe to call from both the normal return path and a deferred call
// guarding against panics or signals.
func (s *Session) Close() error {
	var firstErr error
	if s.pq != nil {
		if err := s.pq.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.pq = nil
	}
	if s.pim != nil {
		if err := s.pim.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.pim = nil
	}
	if !s.feed.IsNone() {
		ctx := context.Background()
		if err := s.deps.Mcast.Unsubscribe(ctx, s.feed, s.downFmtpAddr); err != nil && firstErr == nil {
			firstErr = err
		}
		s.feed = model.NoFeed
		s.downFmtpAddr = nil
	}
	if s.circuitID != "" {
		ctx := context.Background()
		if err := s.deps.VC.Remove(ctx, s.deps.Workgroup, s.circuitID); err != nil && firstErr == nil {
			firstErr = err
		}
		s.circuitID = ""
		metrics.SetCircuitHeld(false)
	}
	s.done = true
	if !s.closed {
		s.closed = true
		metrics.SessionEnded()
	}
	return firstErr
}
