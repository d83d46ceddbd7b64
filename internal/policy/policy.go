// Package policy resolves the feed mask a connecting peer is allowed to
// subscribe to, reading a load-once-per-process ACL document. The upstream
// source consults this table on every handshake but never reloads it at
// runtime; this package preserves that semantic.
package policy

import (
	"io/ioutil"
	"net"
	"strings"

	"github.com/pkg/errors"
	yaml "github.com/zrepl/yaml-config"

	"github.com/unidata/ldm7up/internal/model"
)

// Entry grants allowedFeed to any peer whose address matches Host, which
// may be an exact hostname, a dotted-decimal address, or a CIDR block.
type Entry struct {
	Host         string       `yaml:"host"`
	AllowedFeeds []string     `yaml:"allowed_feeds"`
	mask         model.FeedSet
}

type Document struct {
	Entries []Entry `yaml:"entries"`
}

// Client answers AllowedFeeds queries against a fixed, loaded-once table.
type Client struct {
	entries []Entry
	feedIDs map[string]model.FeedSet
}

// NewClient loads path once. feedIDs maps symbolic feed names (as used in
// the policy file) to their bitmask values.
func NewClient(path string, feedIDs map[string]model.FeedSet) (*Client, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read policy file %q", path)
	}
	var doc Document
	if err := yaml.UnmarshalStrict(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse policy file %q", path)
	}
	for i := range doc.Entries {
		var mask model.FeedSet
		for _, name := range doc.Entries[i].AllowedFeeds {
			id, ok := feedIDs[name]
			if !ok {
				return nil, errors.Errorf("policy file %q: unknown feed name %q", path, name)
			}
			mask |= id
		}
		doc.Entries[i].mask = mask
	}
	return &Client{entries: doc.Entries, feedIDs: feedIDs}, nil
}

// AllowedFeeds returns the union of feed masks granted to any entry whose
// Host matches hostID or addr. NoFeed, nil means no entry matched.
func (c *Client) AllowedFeeds(hostID string, addr net.IP) (model.FeedSet, error) {
	var allowed model.FeedSet
	for _, e := range c.entries {
		if matches(e.Host, hostID, addr) {
			allowed |= e.mask
		}
	}
	return allowed, nil
}

func matches(pattern, hostID string, addr net.IP) bool {
	if strings.EqualFold(pattern, hostID) {
		return true
	}
	if addr == nil {
		return false
	}
	if _, cidr, err := net.ParseCIDR(pattern); err == nil {
		return cidr.Contains(addr)
	}
	if ip := net.ParseIP(pattern); ip != nil {
		return ip.Equal(addr)
	}
	return false
}
