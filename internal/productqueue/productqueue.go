// Package productqueue provides read-only, cursor-based access to the
// on-disk write-ahead log of products the engine replays from. The queue is
// written by upstream ingest processes and read concurrently by sibling
// engine processes; this package only ever opens it read-only and performs
// no locking: Open takes no file lock.
package productqueue

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/unidata/ldm7up/internal/model"
)

var (
	ErrEndOfQueue    = errors.New("productqueue: end of queue")
	ErrStopRequested = errors.New("productqueue: callback requested stop")
	ErrNotFound      = errors.New("productqueue: no product with that signature")
)

// Queue is the read-only interface the session engine consumes.
type Queue interface {
	SetCursorFromSignature(ctx context.Context, sig model.Signature) (found bool, err error)
	SetCursorFromTime(ctx context.Context, t time.Time) error
	// Sequence walks forward from the cursor, calling fn for every product
	// matching class, until fn returns a non-nil error, the callback asks
	// to stop via ErrStopRequested, or the queue is exhausted (ErrEndOfQueue).
	Sequence(ctx context.Context, class model.ProdClass, fn func(model.Product) error) error
	ProcessProduct(ctx context.Context, sig model.Signature, fn func(model.Product) error) (found bool, err error)
	Close() error
}

// record layout on disk, little-endian, one per product:
//   int64   unix nanos
//   [16]byte signature
//   uint32  feed mask
//   uint16  origin length
//   []byte  origin
//   uint32  data length
//   []byte  data
type fileQueue struct {
	f      *os.File
	offset int64 // next record to read starts here
}

func Open(path string) (Queue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open product queue %q", path)
	}
	return &fileQueue{f: f}, nil
}

func (q *fileQueue) Close() error { return q.f.Close() }

type recordHeader struct {
	Nanos     int64
	Signature model.Signature
	Feed      model.FeedSet
	OriginLen uint16
}

func (q *fileQueue) readRecordAt(offset int64) (model.Product, int64, error) {
	var hdr recordHeader
	r := io.NewSectionReader(q.f, offset, 1<<40)
	if err := binary.Read(r, binary.LittleEndian, &hdr.Nanos); err != nil {
		return model.Product{}, 0, io.EOF
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.Signature); err != nil {
		return model.Product{}, 0, errors.Wrap(err, "truncated record")
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.Feed); err != nil {
		return model.Product{}, 0, errors.Wrap(err, "truncated record")
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.OriginLen); err != nil {
		return model.Product{}, 0, errors.Wrap(err, "truncated record")
	}
	origin := make([]byte, hdr.OriginLen)
	if _, err := io.ReadFull(r, origin); err != nil {
		return model.Product{}, 0, errors.Wrap(err, "truncated record")
	}
	var dataLen uint32
	if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
		return model.Product{}, 0, errors.Wrap(err, "truncated record")
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return model.Product{}, 0, errors.Wrap(err, "truncated record")
	}
	recordLen := int64(8+16+4+2) + int64(hdr.OriginLen) + 4 + int64(dataLen)
	return model.Product{
		Signature: hdr.Signature,
		Feed:      hdr.Feed,
		Origin:    string(origin),
		Created:   time.Unix(0, hdr.Nanos),
		Data:      data,
	}, offset + recordLen, nil
}

func (q *fileQueue) SetCursorFromSignature(_ context.Context, sig model.Signature) (bool, error) {
	var offset int64
	for {
		p, next, err := q.readRecordAt(offset)
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if p.Signature == sig {
			q.offset = next
			return true, nil
		}
		offset = next
	}
}

func (q *fileQueue) SetCursorFromTime(_ context.Context, t time.Time) error {
	var offset int64
	for {
		p, next, err := q.readRecordAt(offset)
		if err == io.EOF {
			q.offset = offset
			return nil
		}
		if err != nil {
			return err
		}
		if !p.Created.Before(t) {
			q.offset = offset
			return nil
		}
		offset = next
	}
}

func (q *fileQueue) Sequence(ctx context.Context, class model.ProdClass, fn func(model.Product) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, next, err := q.readRecordAt(q.offset)
		if err == io.EOF {
			return ErrEndOfQueue
		}
		if err != nil {
			return err
		}
		q.offset = next
		if !class.Matches(p) {
			continue
		}
		if err := fn(p); err != nil {
			return err
		}
	}
}

func (q *fileQueue) ProcessProduct(_ context.Context, sig model.Signature, fn func(model.Product) error) (bool, error) {
	var offset int64
	for {
		p, next, err := q.readRecordAt(offset)
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if p.Signature == sig {
			return true, fn(p)
		}
		offset = next
	}
}
