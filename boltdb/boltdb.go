// Package boltdb contains the boltdb implementations of the meridian
// storage interfaces.
package boltdb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	ErrFmtBucketNotFound = "boltdb: bucket '%s' not found"
)

type Bucket []byte

// DB represents the database connection.
type DB struct {
	db *bolt.DB

	// Datasource name.
	DSN string

	filePath string

	// bucketQueue contains a list of buckets to create upon Open.
	bucketQueue []Bucket
}

// NewDB returns a new instance of DB associated with the given datasource name.
func NewDB(dsn string) *DB {
	return &DB{
		DSN: dsn,
	}
}

// NewSvcBolt gets, opens, and creates buckets for a boltDB for a
// particular named service (the data file will be named after the
// service).
func NewSvcBolt(dir, svc string, buckets ...Bucket) (*DB, error) {
	dir = strings.TrimPrefix(dir, "file:")
	filename := filepath.Join(dir, svc+".boltdb")
	db := NewDB("file:" + filename)
	db.RegisterBuckets(buckets...)
	err := db.Open()
	return db, errors.Wrap(err, "opening")
}

// path returns the file path to the boltdb database file.
func (db *DB) path() (string, error) {
	if !strings.HasPrefix(db.DSN, "file:") {
		return "", errors.New(errors.ErrUncoded, "boltdb package only supports a DSN beginning with `file:`")
	}

	return db.DSN[5:], nil
}

// Path returns the file path of the open database.
func (db *DB) Path() string {
	return db.filePath
}

// RegisterBuckets queues up the buckets to be created when the database is
// first opened.
func (db *DB) RegisterBuckets(buckets ...Bucket) {
	db.bucketQueue = append(db.bucketQueue, buckets...)
}

// InitializeBuckets creates the given buckets if they do not already exist.
func (db *DB) InitializeBuckets(buckets ...Bucket) (err error) {
	return db.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return errors.Wrapf(err, "creating bucket: %s", bucket)
			}
		}
		return nil
	})
}

// Open opens the database connection.
func (db *DB) Open() (err error) {
	path, err := db.path()
	if err != nil {
		return errors.Wrap(err, "getting path from DSN")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	} else if db.db, err = bolt.Open(path, 0666, &bolt.Options{Timeout: 1 * time.Second}); err != nil {
		return errors.Wrapf(err, "open file: %s", err)
	}

	// cache the path in db.filePath.
	db.filePath = path

	if err := db.InitializeBuckets(db.bucketQueue...); err != nil {
		return errors.Wrap(err, "initializing buckets")
	}

	// Reset the bucketQueue.
	db.bucketQueue = make([]Bucket, 0)

	return nil
}

// Close closes the database connection.
func (db *DB) Close() (err error) {
	return db.db.Close()
}

// BeginTx starts a transaction and returns a wrapper Tx type. The wrapper
// carries the caller's context for implementations which need it.
func (db *DB) BeginTx(ctx context.Context, writable bool) (*Tx, error) {
	tx, err := db.db.Begin(writable)
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx:  tx,
		ctx: ctx,
	}, nil
}

// Tx wraps the bolt Tx object.
type Tx struct {
	*bolt.Tx
	ctx context.Context
}

// Ensure type implements interface.
var _ meridian.Transaction = (*Tx)(nil)

func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// Ensure type implements interface.
var _ meridian.Transactor = (*Transactor)(nil)

// Transactor adapts a DB to the meridian.Transactor interface.
type Transactor struct {
	*DB
}

func NewTransactor(db *DB) *Transactor {
	return &Transactor{
		DB: db,
	}
}

// Start opens the underlying database if NewSvcBolt hasn't already.
func (t *Transactor) Start() error {
	if t.DB.db != nil {
		return nil
	}
	return t.DB.Open()
}

func (t *Transactor) BeginTx(ctx context.Context, writable bool) (meridian.Transaction, error) {
	return t.DB.BeginTx(ctx, writable)
}
