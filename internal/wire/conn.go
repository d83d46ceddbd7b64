package wire

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/unidata/ldm7up/internal/model"
)

// Handler implements the peer-facing side of a session: the synchronous
// Subscribe handshake and the three asynchronous requests a peer may send
// after it.
type Handler interface {
	Subscribe(model.SubscriptionRequest) (model.SubscriptionReply, error)
	RequestProduct(model.SequenceIndex) error
	RequestBacklog(model.BacklogRequest) error
	TestConnection() error
}

// Conn is the single socket shared by the engine's server role (receiving
// peer requests) and client role (delivering products to the peer). After
// Serve completes the Subscribe handshake, both roles drive the same
// underlying connection; since the dispatcher goroutine is the only writer,
// no synchronization beyond that single goroutine is required.
//
// rwc is an io.ReadWriteCloser rather than a net.Conn because the engine is
// typically forked per peer with the accepted socket inherited as stdin and
// stdout rather than handed a live net.Conn; RemoteAddr is best-effort and
// returns nil in that mode.
type Conn struct {
	rwc io.ReadWriteCloser
	ml  *messageLayer

	handshakeTimeout time.Duration
	sendTimeout      time.Duration
}

func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc, ml: newMessageLayer(rwc)}
}

// SetTimeouts bounds how long the initial Subscribe handshake read may take
// and how long any single outbound send (deliver/no-such-product) may
// block. Only effective when rwc is a net.Conn; a forked stdin/stdout
// socket has no deadline support and calls in that mode are a no-op, same
// as RemoteAddr.
func (c *Conn) SetTimeouts(handshake, send time.Duration) {
	c.handshakeTimeout = handshake
	c.sendTimeout = send
}

func (c *Conn) Close() error { return c.rwc.Close() }

func (c *Conn) RemoteAddr() net.Addr {
	if nc, ok := c.rwc.(net.Conn); ok {
		return nc.RemoteAddr()
	}
	return nil
}

func (c *Conn) setReadDeadline(d time.Duration) error {
	nc, ok := c.rwc.(net.Conn)
	if !ok {
		return nil
	}
	if d <= 0 {
		return nc.SetReadDeadline(time.Time{})
	}
	return nc.SetReadDeadline(time.Now().Add(d))
}

func (c *Conn) setWriteDeadline(d time.Duration) error {
	nc, ok := c.rwc.(net.Conn)
	if !ok {
		return nil
	}
	if d <= 0 {
		return nc.SetWriteDeadline(time.Time{})
	}
	return nc.SetWriteDeadline(time.Now().Add(d))
}

// Serve runs the dispatch loop: the first request must be Subscribe, after
// which it serves RequestProduct/RequestBacklog/TestConnection until the
// peer hangs up or a transport error occurs. It returns nil only when the
// peer cleanly closed the connection (io.EOF). The handshake timeout only
// bounds that first read; once Subscribe is dispatched the peer may sit
// idle indefinitely between requests.
func (c *Conn) Serve(h Handler) error {
	handshaking := true
	for {
		if handshaking {
			if err := c.setReadDeadline(c.handshakeTimeout); err != nil {
				return errors.Wrap(err, "wire: set handshake deadline")
			}
		}
		var hdr header
		if err := c.ml.readJSON(frameTypeHeader, maxHeaderLength, &hdr); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(errors.Cause(err), io.EOF) {
				return nil
			}
			return err
		}
		if handshaking {
			if err := c.setReadDeadline(0); err != nil {
				return errors.Wrap(err, "wire: clear handshake deadline")
			}
			handshaking = false
		}
		if err := c.dispatch(hdr, h); err != nil {
			return err
		}
	}
}

func (c *Conn) dispatch(hdr header, h Handler) error {
	switch hdr.Endpoint {
	case ProcSubscribe:
		var req model.SubscriptionRequest
		if err := c.ml.readJSON(frameTypeData, maxPayloadLength, &req); err != nil {
			return err
		}
		reply, err := h.Subscribe(req)
		if err != nil {
			return c.replyError(err)
		}
		return c.replySubscribe(reply)
	case ProcRequestProduct:
		var body requestProductBody
		if err := c.ml.readJSON(frameTypeData, maxPayloadLength, &body); err != nil {
			return err
		}
		return h.RequestProduct(body.Index)
	case ProcRequestBacklog:
		var req model.BacklogRequest
		if err := c.ml.readJSON(frameTypeData, maxPayloadLength, &req); err != nil {
			return err
		}
		return h.RequestBacklog(req)
	case ProcTestConnection:
		return h.TestConnection()
	default:
		return errors.Errorf("wire: unregistered endpoint %q", hdr.Endpoint)
	}
}

func (c *Conn) replySubscribe(reply model.SubscriptionReply) error {
	if err := c.ml.writeJSON(frameTypeHeader, header{Endpoint: ProcSubscribe, Error: statusOK}); err != nil {
		return err
	}
	return c.ml.writeJSON(frameTypeData, reply)
}

func (c *Conn) replyError(cause error) error {
	_ = c.ml.writeJSON(frameTypeHeader, header{
		Endpoint:     ProcSubscribe,
		Error:        statusServerError,
		ErrorMessage: cause.Error(),
	})
	return errors.Wrap(cause, "wire: fatal error handling subscribe")
}

// CallSubscribe performs the synchronous handshake from the client side. It
// is used by test doubles that play the downstream peer; the engine itself
// only ever plays the server side of Subscribe.
func (c *Conn) CallSubscribe(req model.SubscriptionRequest) (model.SubscriptionReply, error) {
	var reply model.SubscriptionReply
	if err := c.ml.writeJSON(frameTypeHeader, header{Endpoint: ProcSubscribe}); err != nil {
		return reply, err
	}
	if err := c.ml.writeJSON(frameTypeData, req); err != nil {
		return reply, err
	}
	var hdr header
	if err := c.ml.readJSON(frameTypeHeader, maxHeaderLength, &hdr); err != nil {
		return reply, err
	}
	if hdr.Error != statusOK {
		return reply, errors.Errorf("wire: subscribe failed: %s", hdr.ErrorMessage)
	}
	err := c.ml.readJSON(frameTypeData, maxPayloadLength, &reply)
	return reply, err
}

// send performs a one-way, fire-and-forget procedure call: a successful
// write is success. There is no reply frame to wait for and therefore no
// local timeout-as-success status to special-case.
func (c *Conn) send(endpoint string, body interface{}) error {
	if err := c.setWriteDeadline(c.sendTimeout); err != nil {
		return errors.Wrap(err, "wire: set send deadline")
	}
	defer c.setWriteDeadline(0)

	if err := c.ml.writeJSON(frameTypeHeader, header{Endpoint: endpoint}); err != nil {
		return err
	}
	return c.ml.writeJSON(frameTypeData, body)
}

func (c *Conn) SendDeliverMissedProduct(idx model.SequenceIndex, p model.Product) error {
	return c.send(ProcDeliverMissedProduct, deliverMissedProductBody{Index: idx, Product: p})
}

func (c *Conn) SendDeliverBacklogProduct(p model.Product) error {
	return c.send(ProcDeliverBacklogProduct, p)
}

func (c *Conn) SendNoSuchProduct(idx model.SequenceIndex) error {
	return c.send(ProcNoSuchProduct, noSuchProductBody{Index: idx})
}
