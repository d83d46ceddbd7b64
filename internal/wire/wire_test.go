package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unidata/ldm7up/internal/model"
)

type fakeHandler struct {
	subscribeReply model.SubscriptionReply
	subscribeErr   error

	gotProduct  model.SequenceIndex
	gotBacklog  model.BacklogRequest
	testPinged  bool
	done        chan struct{}
}

func newFakeHandler() *fakeHandler { return &fakeHandler{done: make(chan struct{}, 8)} }

func (h *fakeHandler) Subscribe(model.SubscriptionRequest) (model.SubscriptionReply, error) {
	return h.subscribeReply, h.subscribeErr
}
func (h *fakeHandler) RequestProduct(idx model.SequenceIndex) error {
	h.gotProduct = idx
	h.done <- struct{}{}
	return nil
}
func (h *fakeHandler) RequestBacklog(req model.BacklogRequest) error {
	h.gotBacklog = req
	h.done <- struct{}{}
	return nil
}
func (h *fakeHandler) TestConnection() error {
	h.testPinged = true
	h.done <- struct{}{}
	return nil
}

func newPipe() (net.Conn, net.Conn) { return net.Pipe() }

func TestSubscribeHandshake_Success(t *testing.T) {
	clientSide, serverSide := newPipe()
	defer clientSide.Close()
	defer serverSide.Close()

	h := newFakeHandler()
	h.subscribeReply = model.SubscriptionReply{Status: model.StatusOK, McastGroupPort: 1234}

	serverConn := NewConn(serverSide)
	go serverConn.Serve(h)

	clientConn := NewConn(clientSide)
	reply, err := clientConn.CallSubscribe(model.SubscriptionRequest{DesiredFeed: model.FeedCONDUIT})
	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, reply.Status)
	assert.EqualValues(t, 1234, reply.McastGroupPort)
}

func TestSubscribeHandshake_HandlerError(t *testing.T) {
	clientSide, serverSide := newPipe()
	defer clientSide.Close()
	defer serverSide.Close()

	h := newFakeHandler()
	h.subscribeErr = assert.AnError

	serverConn := NewConn(serverSide)
	go serverConn.Serve(h)

	clientConn := NewConn(clientSide)
	_, err := clientConn.CallSubscribe(model.SubscriptionRequest{})
	require.Error(t, err)
}

func TestOneWayRequestProduct(t *testing.T) {
	clientSide, serverSide := newPipe()
	defer clientSide.Close()
	defer serverSide.Close()

	h := newFakeHandler()
	h.subscribeReply = model.SubscriptionReply{Status: model.StatusOK}

	serverConn := NewConn(serverSide)
	go serverConn.Serve(h)

	clientConn := NewConn(clientSide)
	_, err := clientConn.CallSubscribe(model.SubscriptionRequest{})
	require.NoError(t, err)

	require.NoError(t, clientConn.send(ProcRequestProduct, requestProductBody{Index: 42}))

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RequestProduct to be dispatched")
	}
	assert.EqualValues(t, 42, h.gotProduct)
}

func tcpPipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	acceptErr := make(chan error, 1)
	var srv net.Conn
	go func() {
		var err error
		srv, err = l.Accept()
		acceptErr <- err
	}()

	cli, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	require.NoError(t, <-acceptErr)
	return cli, srv
}

func TestServe_HandshakeTimeout(t *testing.T) {
	clientSide, serverSide := tcpPipe(t)
	defer clientSide.Close()
	defer serverSide.Close()

	serverConn := NewConn(serverSide)
	serverConn.SetTimeouts(50*time.Millisecond, time.Second)

	err := serverConn.Serve(newFakeHandler())
	require.Error(t, err)
}

func TestServe_HandshakeTimeoutDoesNotApplyAfterHandshake(t *testing.T) {
	clientSide, serverSide := tcpPipe(t)
	defer clientSide.Close()
	defer serverSide.Close()

	h := newFakeHandler()
	h.subscribeReply = model.SubscriptionReply{Status: model.StatusOK}

	serverConn := NewConn(serverSide)
	serverConn.SetTimeouts(100*time.Millisecond, time.Second)
	serveErr := make(chan error, 1)
	go func() { serveErr <- serverConn.Serve(h) }()

	clientConn := NewConn(clientSide)
	_, err := clientConn.CallSubscribe(model.SubscriptionRequest{})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	require.NoError(t, clientConn.send(ProcRequestProduct, requestProductBody{Index: 7}))
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-handshake request, handshake deadline must have leaked")
	}

	clientConn.Close()
	serverConn.Close()
	<-serveErr
}

func TestSendDeliverMissedProduct(t *testing.T) {
	clientSide, serverSide := newPipe()
	defer clientSide.Close()
	defer serverSide.Close()

	serverConn := NewConn(serverSide)
	clientConn := NewConn(clientSide)

	sig := model.Signature{0xAA}
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- clientConn.SendDeliverMissedProduct(7, model.Product{Signature: sig, Feed: model.FeedCONDUIT})
	}()

	var hdr header
	require.NoError(t, serverConn.ml.readJSON(frameTypeHeader, maxHeaderLength, &hdr))
	assert.Equal(t, ProcDeliverMissedProduct, hdr.Endpoint)

	var body deliverMissedProductBody
	require.NoError(t, serverConn.ml.readJSON(frameTypeData, maxPayloadLength, &body))
	assert.EqualValues(t, 7, body.Index)
	assert.Equal(t, sig, body.Product.Signature)

	require.NoError(t, <-sendErr)
}
