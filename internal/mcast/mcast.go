// Package mcast is a client for the sibling multicast manager process: the
// long-lived daemon that actually owns multicast sender lifecycles and FMTP
// client address pools. Subscribe/Unsubscribe are idempotent, non-blocking
// RPCs; this client does not itself serialize concurrent callers beyond
// what one TCP connection naturally does; the manager process serializes
// internally across all of its sibling engine clients.
package mcast

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/unidata/ldm7up/internal/model"
)

var ErrNotMulticast = errors.New("mcast: feed is not currently multicast")

type SubscriptionInfo struct {
	McastGroupAddr net.IP
	McastGroupPort uint16
	FmtpServerAddr net.IP
	FmtpServerPort uint16
	FmtpClientAddr net.IP
	FmtpClientCIDR int
}

// Client is the interface the session engine consumes.
type Client interface {
	Subscribe(ctx context.Context, feed model.FeedSet) (SubscriptionInfo, error)
	Unsubscribe(ctx context.Context, feed model.FeedSet, allocated net.IP) error
}

type rpcClient struct {
	addr string
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewClient(addr string) Client {
	return &rpcClient{addr: addr, dial: (&net.Dialer{}).DialContext}
}

type request struct {
	Method string
	Feed   model.FeedSet
	Addr   net.IP `json:",omitempty"`
}

type response struct {
	NotMulticast bool
	Error        string
	Info         SubscriptionInfo
}

func (c *rpcClient) call(ctx context.Context, req request) (response, error) {
	var resp response
	conn, err := c.dial(ctx, "tcp", c.addr)
	if err != nil {
		return resp, errors.Wrapf(err, "dial multicast manager at %s", c.addr)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return resp, errors.Wrap(err, "encode multicast manager request")
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return resp, errors.Wrap(err, "decode multicast manager response")
	}
	return resp, nil
}

func (c *rpcClient) Subscribe(ctx context.Context, feed model.FeedSet) (SubscriptionInfo, error) {
	resp, err := c.call(ctx, request{Method: "subscribe", Feed: feed})
	if err != nil {
		return SubscriptionInfo{}, err
	}
	if resp.NotMulticast {
		return SubscriptionInfo{}, ErrNotMulticast
	}
	if resp.Error != "" {
		return SubscriptionInfo{}, errors.New(resp.Error)
	}
	return resp.Info, nil
}

// Unsubscribe tolerates "never subscribed" / "already released" so that
// crash-recovery unwind paths can call it unconditionally.
func (c *rpcClient) Unsubscribe(ctx context.Context, feed model.FeedSet, allocated net.IP) error {
	resp, err := c.call(ctx, request{Method: "unsubscribe", Feed: feed, Addr: allocated})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}
