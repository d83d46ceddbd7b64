package model

import "testing"

func TestFeedSetIntersect(t *testing.T) {
	a := FeedNEXRAD2 | FeedCONDUIT
	b := FeedCONDUIT | FeedNGRID
	if got := a.Intersect(b); got != FeedCONDUIT {
		t.Fatalf("Intersect() = %v, want %v", got, FeedCONDUIT)
	}
}

func TestFeedSetIsNone(t *testing.T) {
	if !NoFeed.IsNone() {
		t.Fatal("NoFeed.IsNone() = false, want true")
	}
	if FeedNEXRAD2.IsNone() {
		t.Fatal("FeedNEXRAD2.IsNone() = true, want false")
	}
}

func TestVcEndpointIsDummy(t *testing.T) {
	cases := []struct {
		name string
		e    VcEndpoint
		want bool
	}{
		{"dummy switch", VcEndpoint{Switch: "dummy-sw1", Port: "1"}, true},
		{"dummy port", VcEndpoint{Switch: "sw1", Port: "dummy-1"}, true},
		{"real endpoint", VcEndpoint{Switch: "sw1", Port: "1"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.e.IsDummy(); got != c.want {
				t.Fatalf("IsDummy() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestProdClassNarrowedTo(t *testing.T) {
	narrowed := MatchAllFeeds.NarrowedTo(FeedCONDUIT)
	p := Product{Feed: FeedCONDUIT}
	if !narrowed.Matches(p) {
		t.Fatal("narrowed class should match a product of the narrowed feed")
	}
	other := Product{Feed: FeedNGRID}
	if narrowed.Matches(other) {
		t.Fatal("narrowed class should not match a product of a different feed")
	}
}
