// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package diag

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const boltRecordsBucket = "records"

type boltBackend struct {
	db *bolt.DB
}

// Append stores r under the next sequence number.
func (b *boltBackend) Append(r *Record) error {
	v, err := cbor.Marshal(r)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(boltRecordsBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var k [8]byte
		binary.BigEndian.PutUint64(k[:], seq)
		return bkt.Put(k[:], v)
	})
}

func (b *boltBackend) Close() error {
	return b.db.Close()
}

// ForEach calls fn for every stored record in append order, stopping at the
// first error.
func (b *boltBackend) ForEach(fn func(seq uint64, r *Record) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltRecordsBucket)).ForEach(func(k, v []byte) error {
			r := new(Record)
			if err := cbor.Unmarshal(v, r); err != nil {
				return fmt.Errorf("diag/bolt: record %x: %v", k, err)
			}
			return fn(binary.BigEndian.Uint64(k), r)
		})
	})
}

func newBoltBackend(fn string) (*boltBackend, error) {
	db, err := bolt.Open(fn, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("diag/bolt: Failed to open db: %v", err)
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltRecordsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltBackend{db: db}, nil
}

// ReadRecords returns every record in the bolt database at fn.
func ReadRecords(fn string) ([]*Record, error) {
	b, err := newBoltBackend(fn)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	var records []*Record
	err = b.ForEach(func(_ uint64, r *Record) error {
		records = append(records, r)
		return nil
	})
	return records, err
}
