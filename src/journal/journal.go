// Package journal persists a match's confirmed inputs and periodic
// keyframe snapshots to a Badger database. The live engine only ever
// appends; the journal is read back for post-mortem deterministic replay.
package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger"
	"github.com/meshforge/lockstep/src/history"
	"github.com/meshforge/lockstep/src/world"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

const (
	inputPrefix    = "i"
	keyframePrefix = "k"
)

// Journal is an append-only match record.
type Journal struct {
	db     *badger.DB
	path   string
	logger *logrus.Entry
}

// frameRecord is the stored form of one frame's confirmed inputs.
type frameRecord struct {
	Frame   uint64
	Records []history.Record
}

// keyframeRecord is the stored form of a snapshot.
type keyframeRecord struct {
	Frame uint64
	Hash  uint32
	Data  []byte
}

// New opens (or creates) a journal at path.
func New(path string, logger *logrus.Entry) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Journal{
		db:     handle,
		path:   path,
		logger: logger,
	}, nil
}

func frameKey(prefix string, frame uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], frame)
	return key
}

func encode(v interface{}) ([]byte, error) {
	var buf []byte
	err := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{}).Encode(v)
	return buf, err
}

func decode(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(v)
}

// AppendInputs records a frame's confirmed inputs. Re-appending the same
// frame overwrites it with the newer confirmation set.
func (j *Journal) AppendInputs(frame uint64, records []history.Record) error {
	val, err := encode(frameRecord{Frame: frame, Records: records})
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *badger.Txn) error {
		return tx.Set(frameKey(inputPrefix, frame), val)
	})
}

// AppendKeyframe records a snapshot.
func (j *Journal) AppendKeyframe(snap *world.Snapshot) error {
	val, err := encode(keyframeRecord{Frame: snap.Frame, Hash: snap.Hash, Data: snap.Data})
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *badger.Txn) error {
		return tx.Set(frameKey(keyframePrefix, snap.Frame), val)
	})
}

// Inputs returns the confirmed inputs recorded for a frame, or nil if the
// frame was never journaled.
func (j *Journal) Inputs(frame uint64) ([]history.Record, error) {
	var rec frameRecord
	err := j.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(frameKey(inputPrefix, frame))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decode(val, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Records, nil
}

// LatestKeyframeBefore returns the newest keyframe at or before frame.
func (j *Journal) LatestKeyframeBefore(frame uint64) (*world.Snapshot, error) {
	var found *keyframeRecord
	err := j.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := tx.NewIterator(opts)
		defer it.Close()

		seek := frameKey(keyframePrefix, frame)
		for it.Seek(seek); it.ValidForPrefix([]byte(keyframePrefix)); it.Next() {
			var rec keyframeRecord
			if err := it.Item().Value(func(val []byte) error {
				return decode(val, &rec)
			}); err != nil {
				return err
			}
			found = &rec
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("no keyframe at or before frame %d", frame)
	}
	return &world.Snapshot{Frame: found.Frame, Hash: found.Hash, Data: found.Data}, nil
}

// Replay drives a world from the newest keyframe at or before from, through
// to (inclusive), applying the journaled inputs in frame order. It returns
// the world's final state hash.
func (j *Journal) Replay(w world.World, from, to uint64) (uint32, error) {
	snap, err := j.LatestKeyframeBefore(from)
	if err != nil {
		return 0, err
	}
	if err := w.LoadSnapshot(snap); err != nil {
		return 0, err
	}

	for f := snap.Frame + 1; f <= to; f++ {
		records, err := j.Inputs(f)
		if err != nil {
			return 0, err
		}
		inputs := make([]world.InputEntry, 0, len(records))
		for _, rec := range records {
			if rec.IsLifecycle() {
				continue
			}
			inputs = append(inputs, world.InputEntry{Client: rec.Client, Data: rec.Data})
		}
		w.Tick(f, inputs)
	}

	if j.logger != nil {
		j.logger.WithFields(logrus.Fields{
			"from": snap.Frame,
			"to":   to,
		}).Info("replay complete")
	}

	return w.StateHash(), nil
}

// Close ...
func (j *Journal) Close() error {
	return j.db.Close()
}
