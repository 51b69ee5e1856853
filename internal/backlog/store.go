// Package backlog keeps messages that must survive until GSN acknowledges them.
//
// Messages are stored in BadgerDB keyed by timestamp, message type and a
// sequence number, so iteration order is timestamp order and an
// acknowledgement removes every message sharing (timestamp, type).
package backlog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"log/slog"
	"sync"
	"time"

	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/logger"
	"backlog.szuro.net/pkg/plugin"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	msgPrefix    byte = 'm'
	seqKey            = "s:backlog"
	seqBandwidth      = 1000
	keyLen            = 1 + 8 + 4 + 8

	// DefaultCompressThreshold is the payload size above which payloads are
	// stored zstd compressed.
	DefaultCompressThreshold = 1024
)

var (
	messagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backlog_messages_stored_total",
		Help: "Total number of messages written to the backlog",
	})
	messagesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backlog_messages_removed_total",
		Help: "Total number of acknowledged messages removed from the backlog",
	})
	messagesResent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backlog_messages_resent_total",
		Help: "Total number of backlog messages handed out for retransmission",
	})
	entriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backlog_entries",
		Help: "Messages currently held in the backlog",
	})
	sizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backlog_size_bytes",
		Help: "On-disk size of the backlog database",
	})
)

// Sender retransmits stored messages. Resend returning false ends the
// current resend pass, e.g. because the connection went down.
type Sender interface {
	Resend(msg plugin.Message) bool
}

// Options tune the store.
type Options struct {
	// MaxAge drops messages that stay unacknowledged longer; 0 keeps them
	// until acknowledged.
	MaxAge time.Duration

	// CompressThreshold is the payload size above which payloads are
	// compressed; negative disables compression.
	CompressThreshold int
}

// record is the gob-encoded value of a stored message.
type record struct {
	Priority   int
	Payload    []byte
	Compressed bool
}

// Store is the durable backlog.
type Store struct {
	db   *badger.DB
	seq  *badger.Sequence
	opts Options

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	senderMu sync.RWMutex
	sender   Sender

	resendCh chan struct{}
	closed   chan struct{}
	wg       sync.WaitGroup
}

// Open opens or creates the backlog database in dir.
func Open(dir string, opts Options) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(logger.Default()))
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeBacklogStoreFailure, "cannot open backlog database", errs.Field("path", dir))
	}
	logger.Debug("Initialized BadgerDB for backlog", slog.String("path", dir))

	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, errs.Wrap(err, errs.CodeBacklogStoreFailure, "cannot create backlog sequence")
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		seq.Release()
		db.Close()
		return nil, errs.Wrap(err, errs.CodeBacklogStoreFailure, "cannot create zstd encoder")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		seq.Release()
		db.Close()
		return nil, errs.Wrap(err, errs.CodeBacklogStoreFailure, "cannot create zstd decoder")
	}

	if opts.CompressThreshold == 0 {
		opts.CompressThreshold = DefaultCompressThreshold
	}

	s := &Store{
		db:       db,
		seq:      seq,
		opts:     opts,
		encoder:  encoder,
		decoder:  decoder,
		resendCh: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.resendLoop()

	entries, size := s.Status()
	logger.Info("Backlog opened", slog.String("path", dir), slog.Int64("entries", entries), slog.Int64("size", size))
	return s, nil
}

// SetSender sets where Resend hands stored messages.
func (s *Store) SetSender(sender Sender) {
	s.senderMu.Lock()
	defer s.senderMu.Unlock()
	s.sender = sender
}

func (s *Store) getSender() Sender {
	s.senderMu.RLock()
	defer s.senderMu.RUnlock()
	return s.sender
}

// Add persists msg until Remove is called with its timestamp and type.
func (s *Store) Add(msg plugin.Message) error {
	n, err := s.seq.Next()
	if err != nil {
		return errs.Wrap(err, errs.CodeBacklogStoreFailure, "cannot allocate backlog sequence")
	}

	rec := record{Priority: msg.Priority, Payload: msg.Payload}
	if s.opts.CompressThreshold >= 0 && len(msg.Payload) > s.opts.CompressThreshold {
		rec.Payload = s.encoder.EncodeAll(msg.Payload, nil)
		rec.Compressed = true
	}

	var value bytes.Buffer
	if err := gob.NewEncoder(&value).Encode(rec); err != nil {
		return errs.Wrap(err, errs.CodeBacklogStoreFailure, "cannot encode backlog record")
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(messageKey(msg.Timestamp, msg.Type, n), value.Bytes())
		if s.opts.MaxAge > 0 {
			e = e.WithTTL(s.opts.MaxAge)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return errs.Wrap(err, errs.CodeBacklogStoreFailure, "cannot write backlog record",
			errs.Field("timestamp", msg.Timestamp), errs.Field("msg_type", msg.Type))
	}
	messagesStored.Inc()
	return nil
}

// Remove deletes every message stored with timestamp and msgType and
// returns how many were removed.
func (s *Store) Remove(timestamp int64, msgType plugin.MessageType) (int, error) {
	prefix := ackPrefix(timestamp, msgType)
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		logger.Error("Failed to delete from backlog", slog.Int64("timestamp", timestamp), slog.Any("error", err))
		return 0, errs.Wrap(err, errs.CodeBacklogStoreFailure, "cannot remove acknowledged message")
	}
	messagesRemoved.Add(float64(removed))
	return removed, nil
}

// Resend schedules a pass over all stored messages. Requests made while a
// pass is pending are merged into it.
func (s *Store) Resend() {
	select {
	case s.resendCh <- struct{}{}:
	default:
	}
}

func (s *Store) resendLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case <-s.resendCh:
			s.resendAll()
		}
	}
}

func (s *Store) resendAll() {
	sender := s.getSender()
	if sender == nil {
		logger.Warn("Backlog resend requested without a sender")
		return
	}

	sent := 0
	err := s.Walk(func(msg plugin.Message) bool {
		select {
		case <-s.closed:
			return false
		default:
		}
		if !sender.Resend(msg) {
			return false
		}
		sent++
		return true
	})
	if err != nil {
		logger.Error("Backlog resend failed", slog.Any("error", err))
	}
	messagesResent.Add(float64(sent))
	logger.Debug("Backlog resend pass finished", slog.Int("sent", sent))
}

// Walk calls fn for each stored message in timestamp order until fn
// returns false. Messages that cannot be decoded are logged and skipped.
func (s *Store) Walk(fn func(plugin.Message) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{msgPrefix}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			msg, err := s.decode(item)
			if err != nil {
				logger.Error("Failed to decode from backlog", slog.String("key", string(item.Key())), slog.Any("error", err))
				continue
			}
			if !fn(msg) {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) decode(item *badger.Item) (plugin.Message, error) {
	var msg plugin.Message
	key := item.KeyCopy(nil)
	if len(key) != keyLen {
		return msg, errs.Errorf(errs.CodeBacklogStoreFailure, "malformed backlog key of length %d", len(key))
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return msg, err
	}
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&rec); err != nil {
		return msg, err
	}
	if rec.Compressed {
		rec.Payload, err = s.decoder.DecodeAll(rec.Payload, nil)
		if err != nil {
			return msg, err
		}
	}

	msg.Timestamp = int64(binary.BigEndian.Uint64(key[1:9]))
	msg.Type = plugin.MessageType(binary.BigEndian.Uint32(key[9:13]))
	msg.Priority = rec.Priority
	msg.Payload = rec.Payload
	msg.Backlog = true
	return msg, nil
}

// Status returns the number of stored messages and the database size.
func (s *Store) Status() (entries int64, sizeBytes int64) {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{msgPrefix}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			entries++
		}
		return nil
	})
	if err != nil {
		logger.Error("Failed to count backlog entries", slog.Any("error", err))
	}
	lsm, vlog := s.db.Size()
	sizeBytes = lsm + vlog

	entriesGauge.Set(float64(entries))
	sizeGauge.Set(float64(sizeBytes))
	return entries, sizeBytes
}

// Close stops the resend worker and releases the database.
func (s *Store) Close() error {
	close(s.closed)
	s.wg.Wait()

	s.encoder.Close()
	s.decoder.Close()
	if err := s.seq.Release(); err != nil {
		logger.Error("Failed to release backlog sequence", slog.Any("error", err))
	}
	return s.db.Close()
}

func messageKey(timestamp int64, msgType plugin.MessageType, n uint64) []byte {
	key := make([]byte, keyLen)
	copy(key, ackPrefix(timestamp, msgType))
	binary.BigEndian.PutUint64(key[13:], n)
	return key
}

func ackPrefix(timestamp int64, msgType plugin.MessageType) []byte {
	prefix := make([]byte, 13)
	prefix[0] = msgPrefix
	binary.BigEndian.PutUint64(prefix[1:9], uint64(timestamp))
	binary.BigEndian.PutUint32(prefix[9:13], uint32(msgType))
	return prefix
}
