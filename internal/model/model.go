// Package model holds the value types shared by every component of the
// session engine: feeds, signatures, products, virtual-circuit endpoints,
// and the requests/replies carried over the wire.
package model

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// FeedSet is a bitmask over elemental feed codes. NoFeed is the sentinel
// empty set: a handshake that reduces to NoFeed is always rejected.
type FeedSet uint32

const NoFeed FeedSet = 0

func (f FeedSet) Intersect(o FeedSet) FeedSet { return f & o }
func (f FeedSet) IsNone() bool                { return f == NoFeed }
func (f FeedSet) Contains(o FeedSet) bool     { return f&o == o }

func (f FeedSet) String() string {
	return fmt.Sprintf("0x%08x", uint32(f))
}

// Elemental feed codes. The names follow the LDM feedtype vocabulary so
// that operators can carry over existing ldmd.conf feed names into this
// engine's policy file; the bit values are this engine's own and do not
// match LDM's numeric feedtype codes.
const (
	FeedNEXRAD2 FeedSet = 1 << iota
	FeedNEXRAD3
	FeedCONDUIT
	FeedNGRID
	FeedNOTHER
	FeedNIMAGE
	FeedUNIWISC
)

var StandardFeedNames = map[string]FeedSet{
	"NEXRAD2": FeedNEXRAD2,
	"NEXRAD3": FeedNEXRAD3,
	"CONDUIT": FeedCONDUIT,
	"NGRID":   FeedNGRID,
	"NOTHER":  FeedNOTHER,
	"NIMAGE":  FeedNIMAGE,
	"UNIWISC": FeedUNIWISC,
}

// Signature is a content-addressed product identifier.
type Signature [16]byte

func (s Signature) String() string { return fmt.Sprintf("%x", [16]byte(s)) }

var NoSignature Signature

// SequenceIndex is a monotonically increasing, per-feed sequence number
// assigned by the multicast sender.
type SequenceIndex uint64

// Product is an immutable, signature-identified unit of distributed data.
type Product struct {
	Signature Signature
	Feed      FeedSet
	Origin    string
	Created   time.Time
	Data      []byte
}

func (p Product) Size() int { return len(p.Data) }

// ProdClass filters a product stream. A zero value matches nothing; narrow
// MatchAllFeeds to a specific feed mask to build a session's replay filter.
type ProdClass struct {
	FeedMask FeedSet
}

var MatchAllFeeds = ProdClass{FeedMask: FeedSet(^uint32(0))}

func (c ProdClass) Matches(p Product) bool {
	return c.FeedMask.Intersect(p.Feed) != NoFeed
}

func (c ProdClass) NarrowedTo(feed FeedSet) ProdClass {
	return ProdClass{FeedMask: c.FeedMask.Intersect(feed)}
}

// VcEndpoint names one side of a layer-2 virtual circuit. An endpoint whose
// Switch or Port begins with "dummy" marks the circuit as a test seam: no
// provisioning is performed.
type VcEndpoint struct {
	Switch string
	Port   string
	Vlan   uint16
}

const dummyPrefix = "dummy"

func (e VcEndpoint) IsDummy() bool {
	return strings.HasPrefix(e.Switch, dummyPrefix) || strings.HasPrefix(e.Port, dummyPrefix)
}

func (e VcEndpoint) String() string {
	return fmt.Sprintf("%s/%s.%d", e.Switch, e.Port, e.Vlan)
}

// SubscriptionStatus is the outer status tag of a SubscriptionReply.
type SubscriptionStatus int

const (
	StatusOK SubscriptionStatus = iota
	StatusUnauthorized
	StatusNotMulticast
)

func (s SubscriptionStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusUnauthorized:
		return "UNAUTH"
	case StatusNotMulticast:
		return "NOENT"
	default:
		return "UNKNOWN"
	}
}

// SubscriptionRequest is the body of the handshake's Subscribe call.
type SubscriptionRequest struct {
	DesiredFeed FeedSet
	PeerVcEnd   VcEndpoint
}

// SubscriptionReply is the handshake's synchronous response.
type SubscriptionReply struct {
	Status          SubscriptionStatus
	McastGroupAddr  net.IP
	McastGroupPort  uint16
	FmtpServerAddr  net.IP
	FmtpServerPort  uint16
	FmtpClientAddr  net.IP
	FmtpClientCIDR  int
}

// BacklogRequest asks the engine to replay previously multicast products.
type BacklogRequest struct {
	AfterIsSet bool
	After      Signature
	TimeOffset time.Duration
	Before     Signature
}

// MissedProductDelivery is sent in reply to a RequestProduct call.
type MissedProductDelivery struct {
	Index   SequenceIndex
	Product Product
}
