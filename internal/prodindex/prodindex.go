// Package prodindex reads the feed-scoped, persistent sequence-index to
// product-signature dictionary written by the multicast sender. The engine
// opens it exclusively for reading once per handshake and never writes it.
package prodindex

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/unidata/ldm7up/internal/model"
)

var ErrNotFound = errors.New("prodindex: sequence index not present in map")

// Map is the read-only interface the session engine consumes. It is
// implemented by *fileMap here; tests substitute a map-backed fake.
type Map interface {
	Get(ctx context.Context, index model.SequenceIndex) (model.Signature, error)
	Close() error
}

// fileMap backs the interface with a single on-disk dictionary file,
// loaded fully into memory at open time: the multicast sender appends to
// it but the engine's view is a point-in-time snapshot for the lifetime of
// one session, matching the upstream source's "open once per subscribed
// feed" lifecycle.
type fileMap struct {
	mtx     sync.RWMutex
	entries map[model.SequenceIndex]model.Signature
	file    *os.File
}

// OpenForReading opens the index map file for feed under dir. Exactly one
// reader may hold the map open at a time; a second OpenForReading for the
// same feed fails with a "locked" error surfaced by the OS file lock.
func OpenForReading(ctx context.Context, dir string, feed model.FeedSet) (Map, error) {
	path := filepath.Join(dir, feed.String()+".pim")
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open product-index map %q", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "product-index map %q is locked by another reader", path)
	}
	entries, err := decode(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "decode product-index map %q", path)
	}
	return &fileMap{entries: entries, file: f}, nil
}

func (m *fileMap) Get(_ context.Context, index model.SequenceIndex) (model.Signature, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	sig, ok := m.entries[index]
	if !ok {
		return model.NoSignature, ErrNotFound
	}
	return sig, nil
}

func (m *fileMap) Close() error {
	return m.file.Close()
}

// decode parses the fixed-width sequenceIndex(uint64 LE) + signature(16B)
// record format the multicast sender writes.
func decode(f *os.File) (map[model.SequenceIndex]model.Signature, error) {
	entries := make(map[model.SequenceIndex]model.Signature)
	buf := make([]byte, 24)
	for {
		n, err := f.Read(buf)
		if n == 0 {
			break
		}
		if n < 24 {
			return nil, errors.New("truncated product-index map record")
		}
		var idx model.SequenceIndex
		for i := 7; i >= 0; i-- {
			idx = idx<<8 | model.SequenceIndex(buf[i])
		}
		var sig model.Signature
		copy(sig[:], buf[8:24])
		entries[idx] = sig
		if err != nil {
			break
		}
	}
	return entries, nil
}
