package origin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/quire/models"
	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

const documentKeyPrefix = "doc:"

var DefaultCacheTTL = 1 * time.Minute

type ErrDocumentNotFound struct {
	ID string
}

func (e *ErrDocumentNotFound) Error() string {
	return fmt.Sprintf("document not found: %s", e.ID)
}

type StoreConfig struct {
	Logger    *slog.Logger
	Directory string
	CacheTTL  time.Duration

	// InMemory skips the directory and keeps everything in RAM.
	InMemory bool
}

// Store persists documents in badger with a read-through ttl cache in front.
// Writes are serialized so updated_at is strictly increasing per document.
type Store struct {
	logger *slog.Logger
	db     *badger.DB
	cache  *ttlcache.Cache[string, models.Document]

	writeMu sync.Mutex
	now     func() time.Time
}

func OpenStore(cfg StoreConfig) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Directory)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	db, err := badger.Open(opts.WithLogger(newBadgerLogger(cfg.Logger.WithGroup("badger"))))
	if err != nil {
		return nil, errors.Wrapf(err, "open document store at %q", cfg.Directory)
	}

	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	cache := ttlcache.New[string, models.Document](
		ttlcache.WithTTL[string, models.Document](ttl),
		ttlcache.WithDisableTouchOnHit[string, models.Document](),
	)
	go cache.Start()

	return &Store{
		logger: cfg.Logger.WithGroup("store"),
		db:     db,
		cache:  cache,
		now:    time.Now,
	}, nil
}

func documentKey(id string) []byte {
	return []byte(documentKeyPrefix + id)
}

// Get returns the stored document or *ErrDocumentNotFound. A cache miss is
// filled under the write lock so a slow read cannot cache a version older
// than one a concurrent Put already cached.
func (s *Store) Get(id string) (models.Document, error) {
	if item := s.cache.Get(id); item != nil {
		return item.Value(), nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if item := s.cache.Get(id); item != nil {
		return item.Value(), nil
	}

	var doc models.Document
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = readDocument(txn, id)
		return err
	})
	if err != nil {
		return models.Document{}, err
	}
	s.cache.Set(id, doc, ttlcache.DefaultTTL)
	return doc, nil
}

func readDocument(txn *badger.Txn, id string) (models.Document, error) {
	item, err := txn.Get(documentKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return models.Document{}, &ErrDocumentNotFound{ID: id}
		}
		return models.Document{}, errors.Wrapf(err, "read document %s", id)
	}
	var doc models.Document
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	})
	if err != nil {
		return models.Document{}, errors.Wrapf(err, "decode document %s", id)
	}
	return doc, nil
}

// Put stores the full title and content of id, creating it if needed. The
// stored updated_at is the current time in milliseconds, bumped past the
// previous value when the clock has not advanced.
func (s *Store) Put(id string, req models.UpdateRequest) (models.Document, error) {
	content := models.UnwrapJSON(req.Content)
	if len(strings.TrimSpace(string(content))) == 0 {
		content = json.RawMessage("null")
	}
	if !json.Valid(content) {
		return models.Document{}, errors.Errorf("content of document %s is not valid JSON", id)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var doc models.Document
	err := s.db.Update(func(txn *badger.Txn) error {
		var prev int64
		existing, err := readDocument(txn, id)
		switch {
		case err == nil:
			prev = existing.UpdatedAt
		case isNotFound(err):
		default:
			return err
		}

		stamp := s.now().UnixMilli()
		if stamp <= prev {
			stamp = prev + 1
		}
		doc = models.Document{
			ID:           id,
			Title:        req.Title,
			Content:      content,
			UpdatedAt:    stamp,
			SenderMarker: req.SenderMarker,
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrapf(err, "encode document %s", id)
		}
		return errors.Wrapf(txn.Set(documentKey(id), encoded), "write document %s", id)
	})
	if err != nil {
		return models.Document{}, err
	}

	s.cache.Set(id, doc, ttlcache.DefaultTTL)
	s.logger.Debug("Document stored", "document_id", id, "updated_at", doc.UpdatedAt)
	return doc, nil
}

// List returns the ids of every stored document in key order.
func (s *Store) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(documentKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), documentKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list documents")
	}
	return ids, nil
}

func (s *Store) Close() error {
	s.cache.Stop()
	if err := s.db.Close(); err != nil {
		s.logger.Error("error closing document store", "error", err)
		return errors.Wrap(err, "close document store")
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *ErrDocumentNotFound
	return errors.As(err, &nf)
}
