package session

import (
	"context"
	"io"
	"io/ioutil"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unidata/ldm7up/internal/logger"
	"github.com/unidata/ldm7up/internal/mcast"
	"github.com/unidata/ldm7up/internal/model"
	"github.com/unidata/ldm7up/internal/policy"
	"github.com/unidata/ldm7up/internal/prodindex"
	"github.com/unidata/ldm7up/internal/productqueue"
	"github.com/unidata/ldm7up/internal/wire"
)

type fakeVC struct {
	provisionCalls int
	removeCalls    int
	provisionErr   error
	circuitID      string
}

func (f *fakeVC) Provision(ctx context.Context, workgroup, description string, a, b model.VcEndpoint) (string, error) {
	f.provisionCalls++
	if f.provisionErr != nil {
		return "", f.provisionErr
	}
	if f.circuitID == "" {
		f.circuitID = "circuit-1"
	}
	return f.circuitID, nil
}

func (f *fakeVC) Remove(ctx context.Context, workgroup, circuitID string) error {
	f.removeCalls++
	return nil
}

type fakeMcast struct {
	subscribeErr   error
	unsubscribeErr error
	unsubscribed   bool
	info           mcast.SubscriptionInfo
}

func (f *fakeMcast) Subscribe(ctx context.Context, feed model.FeedSet) (mcast.SubscriptionInfo, error) {
	if f.subscribeErr != nil {
		return mcast.SubscriptionInfo{}, f.subscribeErr
	}
	return f.info, nil
}

func (f *fakeMcast) Unsubscribe(ctx context.Context, feed model.FeedSet, allocated net.IP) error {
	f.unsubscribed = true
	return f.unsubscribeErr
}

type fakePim struct {
	entries map[model.SequenceIndex]model.Signature
	closed  bool
}

func (p *fakePim) Get(ctx context.Context, idx model.SequenceIndex) (model.Signature, error) {
	sig, ok := p.entries[idx]
	if !ok {
		return model.NoSignature, prodindex.ErrNotFound
	}
	return sig, nil
}
func (p *fakePim) Close() error { p.closed = true; return nil }

type fakePq struct {
	products []model.Product
	closed   bool

	cursorFromSignatureCalls int
	cursorFromTimeCalls      int

	// yielded records every product Sequence handed to the callback.
	yielded []model.Signature
}

func (q *fakePq) SetCursorFromSignature(ctx context.Context, sig model.Signature) (bool, error) {
	q.cursorFromSignatureCalls++
	for _, p := range q.products {
		if p.Signature == sig {
			return true, nil
		}
	}
	return false, nil
}
func (q *fakePq) SetCursorFromTime(ctx context.Context, t time.Time) error {
	q.cursorFromTimeCalls++
	return nil
}
func (q *fakePq) Sequence(ctx context.Context, class model.ProdClass, fn func(model.Product) error) error {
	for _, p := range q.products {
		if !class.Matches(p) {
			continue
		}
		q.yielded = append(q.yielded, p.Signature)
		if err := fn(p); err != nil {
			return err
		}
	}
	return productqueue.ErrEndOfQueue
}
func (q *fakePq) ProcessProduct(ctx context.Context, sig model.Signature, fn func(model.Product) error) (bool, error) {
	for _, p := range q.products {
		if p.Signature == sig {
			return true, fn(p)
		}
	}
	return false, nil
}
func (q *fakePq) Close() error { q.closed = true; return nil }

func newTestPolicy(t *testing.T, hostID string, feeds ...string) *policy.Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yml")
	doc := "entries:\n  - host: \"" + hostID + "\"\n    allowed_feeds: [" + joinQuoted(feeds) + "]\n"
	require.NoError(t, ioutil.WriteFile(path, []byte(doc), 0644))
	c, err := policy.NewClient(path, model.StandardFeedNames)
	require.NoError(t, err)
	return c
}

func joinQuoted(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += "\"" + s + "\""
	}
	return out
}

func newTestDeps(t *testing.T, pol *policy.Client, vc *fakeVC, mc *fakeMcast, pim *fakePim, pq *fakePq) Deps {
	return Deps{
		Policy: pol,
		VC:     vc,
		Mcast:  mc,
		OpenProdIndex: func(ctx context.Context, feed model.FeedSet) (prodindex.Map, error) {
			return pim, nil
		},
		OpenProdQueue: func() (productqueue.Queue, error) {
			return pq, nil
		},
		LocalVcEnd: model.VcEndpoint{Switch: "dummy-local", Port: "1"},
		Workgroup:  "wg1",
		PeerHostID: "peer1",
		Log:        logger.NewTestLogger(t),
	}
}

func newTestConn(t *testing.T) *wire.Conn {
	t.Helper()
	_, serverSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close() })
	return wire.NewConn(serverSide)
}

// newDrainedTestConn is like newTestConn but the peer side is continuously
// read and discarded, so a test may exercise sends (e.g.
// SendDeliverBacklogProduct) without deadlocking on the unbuffered pipe.
func newDrainedTestConn(t *testing.T) *wire.Conn {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close() })
	t.Cleanup(func() { clientSide.Close() })
	go io.Copy(ioutil.Discard, clientSide)
	return wire.NewConn(serverSide)
}

// subscribedSession returns a Session that has already completed a
// successful CONDUIT subscribe handshake against pq, ready to exercise
// RequestBacklog.
func subscribedSession(t *testing.T, pq *fakePq) *Session {
	t.Helper()
	pol := newTestPolicy(t, "peer1", "CONDUIT")
	deps := newTestDeps(t, pol, &fakeVC{}, &fakeMcast{}, &fakePim{entries: map[model.SequenceIndex]model.Signature{}}, pq)
	s := New(deps, newDrainedTestConn(t))

	reply, err := s.Subscribe(model.SubscriptionRequest{DesiredFeed: model.FeedCONDUIT})
	require.NoError(t, err)
	require.Equal(t, model.StatusOK, reply.Status)
	return s
}

func TestSubscribe_Unauthorized(t *testing.T) {
	pol := newTestPolicy(t, "peer1", "NEXRAD2")
	deps := newTestDeps(t, pol, &fakeVC{}, &fakeMcast{}, &fakePim{}, &fakePq{})
	s := New(deps, newTestConn(t))

	reply, err := s.Subscribe(model.SubscriptionRequest{DesiredFeed: model.FeedCONDUIT})
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnauthorized, reply.Status)
}

func TestSubscribe_NotMulticast(t *testing.T) {
	pol := newTestPolicy(t, "peer1", "CONDUIT")
	vc := &fakeVC{}
	mc := &fakeMcast{subscribeErr: mcast.ErrNotMulticast}
	deps := newTestDeps(t, pol, vc, mc, &fakePim{}, &fakePq{})
	s := New(deps, newTestConn(t))

	reply, err := s.Subscribe(model.SubscriptionRequest{DesiredFeed: model.FeedCONDUIT})
	require.NoError(t, err)
	assert.Equal(t, model.StatusNotMulticast, reply.Status)
	assert.Equal(t, 1, vc.provisionCalls)
	assert.Equal(t, 1, vc.removeCalls)
}

func TestSubscribe_Success(t *testing.T) {
	pol := newTestPolicy(t, "peer1", "CONDUIT")
	vc := &fakeVC{}
	mc := &fakeMcast{info: mcast.SubscriptionInfo{McastGroupPort: 5555}}
	deps := newTestDeps(t, pol, vc, mc, &fakePim{entries: map[model.SequenceIndex]model.Signature{}}, &fakePq{})
	s := New(deps, newTestConn(t))

	reply, err := s.Subscribe(model.SubscriptionRequest{DesiredFeed: model.FeedCONDUIT})
	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, reply.Status)
	assert.EqualValues(t, 5555, reply.McastGroupPort)
}

func TestRequestProduct_NotFoundSignature(t *testing.T) {
	sig := model.Signature{1}
	pim := &fakePim{entries: map[model.SequenceIndex]model.Signature{1: sig}}
	pq := &fakePq{} // no product with sig present -> ProcessProduct reports not found

	conn1, conn2 := net.Pipe()
	defer conn1.Close()
	defer conn2.Close()
	serverConn := wire.NewConn(conn1)

	go io.Copy(ioutil.Discard, conn2)

	pol := newTestPolicy(t, "peer1", "CONDUIT")
	deps := newTestDeps(t, pol, &fakeVC{}, &fakeMcast{}, pim, pq)
	s := New(deps, serverConn)

	_, err := s.Subscribe(model.SubscriptionRequest{DesiredFeed: model.FeedCONDUIT})
	require.NoError(t, err)

	require.NoError(t, s.RequestProduct(1))
}

func TestRequestProduct_BeforeSubscribeIsDone(t *testing.T) {
	pol := newTestPolicy(t, "peer1", "CONDUIT")
	deps := newTestDeps(t, pol, &fakeVC{}, &fakeMcast{}, &fakePim{}, &fakePq{})
	s := New(deps, newTestConn(t))

	err := s.RequestProduct(1)
	assert.Error(t, err)
	assert.True(t, s.done)
}

func TestRequestBacklog_BeforeSubscribeIsDone(t *testing.T) {
	pol := newTestPolicy(t, "peer1", "CONDUIT")
	deps := newTestDeps(t, pol, &fakeVC{}, &fakeMcast{}, &fakePim{}, &fakePq{})
	s := New(deps, newTestConn(t))

	err := s.RequestBacklog(model.BacklogRequest{})
	assert.Error(t, err)
	assert.True(t, s.done)
}

func TestRequestBacklog_CursorFromSignatureFoundSkipsTimeFallback(t *testing.T) {
	sig := model.Signature{1}
	pq := &fakePq{products: []model.Product{{Signature: sig, Feed: model.FeedCONDUIT}}}
	s := subscribedSession(t, pq)

	err := s.RequestBacklog(model.BacklogRequest{AfterIsSet: true, After: sig})
	require.NoError(t, err)

	assert.Equal(t, 1, pq.cursorFromSignatureCalls)
	assert.Equal(t, 0, pq.cursorFromTimeCalls)
	assert.False(t, s.done)
}

func TestRequestBacklog_CursorFallbackWhenSignatureNotFound(t *testing.T) {
	pq := &fakePq{products: []model.Product{{Signature: model.Signature{1}, Feed: model.FeedCONDUIT}}}
	s := subscribedSession(t, pq)

	err := s.RequestBacklog(model.BacklogRequest{AfterIsSet: true, After: model.Signature{0xFF}})
	require.NoError(t, err)

	assert.Equal(t, 1, pq.cursorFromSignatureCalls)
	assert.Equal(t, 1, pq.cursorFromTimeCalls)
	assert.False(t, s.done)
}

func TestRequestBacklog_NoAfterGoesStraightToTimeCursor(t *testing.T) {
	pq := &fakePq{products: []model.Product{{Signature: model.Signature{1}, Feed: model.FeedCONDUIT}}}
	s := subscribedSession(t, pq)

	err := s.RequestBacklog(model.BacklogRequest{TimeOffset: time.Hour})
	require.NoError(t, err)

	assert.Equal(t, 0, pq.cursorFromSignatureCalls)
	assert.Equal(t, 1, pq.cursorFromTimeCalls)
}

func TestRequestBacklog_StopsAtBeforeSignature(t *testing.T) {
	stopSig := model.Signature{0xAA}
	pq := &fakePq{products: []model.Product{
		{Signature: model.Signature{1}, Feed: model.FeedCONDUIT},
		{Signature: stopSig, Feed: model.FeedCONDUIT},
		{Signature: model.Signature{2}, Feed: model.FeedCONDUIT},
	}}
	s := subscribedSession(t, pq)

	err := s.RequestBacklog(model.BacklogRequest{Before: stopSig})
	require.NoError(t, err)
	assert.False(t, s.done)
	assert.Equal(t, []model.Signature{{1}, stopSig}, pq.yielded, "replay must stop at the before signature")
}

func TestRequestBacklog_EndOfQueueWithoutStopSignatureStaysUp(t *testing.T) {
	pq := &fakePq{products: []model.Product{
		{Signature: model.Signature{1}, Feed: model.FeedCONDUIT},
		{Signature: model.Signature{2}, Feed: model.FeedCONDUIT},
	}}
	s := subscribedSession(t, pq)

	err := s.RequestBacklog(model.BacklogRequest{Before: model.Signature{0xFF}})
	require.NoError(t, err)
	assert.False(t, s.done, "reaching end of queue without the stop signature must not end the session")

	require.NoError(t, s.RequestBacklog(model.BacklogRequest{Before: model.Signature{0xFF}}))
}

func TestRequestBacklog_FiltersByFeed(t *testing.T) {
	stopSig := model.Signature{0xAA}
	pq := &fakePq{products: []model.Product{
		{Signature: model.Signature{1}, Feed: model.FeedNEXRAD2},
		{Signature: stopSig, Feed: model.FeedCONDUIT},
	}}
	s := subscribedSession(t, pq)

	require.NoError(t, s.RequestBacklog(model.BacklogRequest{Before: stopSig}))
	assert.Equal(t, []model.Signature{stopSig}, pq.yielded, "the NEXRAD2 product must be filtered out of a CONDUIT session's replay")
}

func TestClose_IsIdempotent(t *testing.T) {
	pol := newTestPolicy(t, "peer1", "CONDUIT")
	vc := &fakeVC{}
	mc := &fakeMcast{}
	pim := &fakePim{entries: map[model.SequenceIndex]model.Signature{}}
	pq := &fakePq{}
	deps := newTestDeps(t, pol, vc, mc, pim, pq)
	s := New(deps, newTestConn(t))

	_, err := s.Subscribe(model.SubscriptionRequest{DesiredFeed: model.FeedCONDUIT})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, pim.closed)
	assert.True(t, pq.closed)
	assert.Equal(t, 1, vc.removeCalls)
}
