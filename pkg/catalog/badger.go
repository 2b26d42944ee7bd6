package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/log"
	"catalog-sync/pkg/models"
	"catalog-sync/pkg/utils"
)

const (
	titleKeyPrefix = "title:"     // title:<local id> -> JSON TitleRecord
	pathKeyPrefix  = "path:"      // path:<page path> -> local id
	imageKeyPrefix = "image:"     // image:<image path> -> local id
	catalogDBDir   = "catalog_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerCatalog implements Catalog on an embedded BadgerDB, one database per source
type BadgerCatalog struct {
	db         *badger.DB
	log        *logrus.Entry
	titleCount atomic.Int64 // Cached number of title keys
}

// NewBadgerCatalog opens (or creates) the catalog database of a source under stateDir
func NewBadgerCatalog(stateDir, sourceKey string, logger *logrus.Entry) (*BadgerCatalog, error) {
	dbPath := filepath.Join(stateDir, utils.SanitizeFilename(sourceKey)+"_"+catalogDBDir)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create catalog directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}
	logger.Infof("Opening catalog database at: %s", dbPath)

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	c := &BadgerCatalog{db: db, log: logger}
	count, err := c.countPrefix(titleKeyPrefix)
	if err != nil {
		logger.Warnf("Failed to count existing titles: %v", err)
	} else {
		c.titleCount.Store(int64(count))
	}
	logger.WithField("titles", count).Info("Catalog database ready.")
	return c, nil
}

func (c *BadgerCatalog) countPrefix(prefix string) (int, error) {
	count := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts
func (c *BadgerCatalog) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := c.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		c.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

func getString(txn *badger.Txn, key string) (string, bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, err
	}
	return string(val), true, nil
}

func getTitle(txn *badger.Txn, id string) (*models.TitleRecord, error) {
	item, err := txn.Get([]byte(titleKeyPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec models.TitleRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: decoding title %s: %w", utils.ErrParsing, id, err)
	}
	return &rec, nil
}

// findBy resolves an index key to its title
func (c *BadgerCatalog) findBy(indexKey string) (*models.TitleRecord, error) {
	var rec *models.TitleRecord
	err := c.db.View(func(txn *badger.Txn) error {
		id, ok, err := getString(txn, indexKey)
		if err != nil || !ok {
			return err
		}
		rec, err = getTitle(txn, id)
		if err == nil && rec == nil {
			c.log.WithField("key", indexKey).Warn("Index entry points at a missing title")
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %w", utils.ErrDatabase, indexKey, err)
	}
	return rec, nil
}

// FindByPath implements Catalog
func (c *BadgerCatalog) FindByPath(_ context.Context, path string) (*models.TitleRecord, error) {
	return c.findBy(pathKeyPrefix + path)
}

// FindByImage implements Catalog
func (c *BadgerCatalog) FindByImage(_ context.Context, image string) (*models.TitleRecord, error) {
	if image == "" {
		return nil, nil
	}
	return c.findBy(imageKeyPrefix + image)
}

// Insert implements Catalog
func (c *BadgerCatalog) Insert(_ context.Context, rec *models.TitleRecord) error {
	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding title %s: %w", utils.ErrParsing, rec.Path, err)
	}

	err = c.dbUpdate(func(txn *badger.Txn) error {
		if existing, ok, err := getString(txn, pathKeyPrefix+rec.Path); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("path %s already stored as %s", rec.Path, existing)
		}
		if err := txn.Set([]byte(titleKeyPrefix+rec.LocalID), value); err != nil {
			return err
		}
		if err := txn.Set([]byte(pathKeyPrefix+rec.Path), []byte(rec.LocalID)); err != nil {
			return err
		}
		if rec.Image != "" {
			if _, ok, err := getString(txn, imageKeyPrefix+rec.Image); err != nil {
				return err
			} else if !ok {
				return txn.Set([]byte(imageKeyPrefix+rec.Image), []byte(rec.LocalID))
			}
		}
		return nil
	})
	if err != nil {
		c.log.WithField("path", rec.Path).Errorf("DB Update error in Insert: %v", err)
		return fmt.Errorf("%w: insert %s: %w", utils.ErrDatabase, rec.Path, err)
	}
	c.titleCount.Add(1)
	return nil
}

// Update implements Catalog. Index entries follow path and image changes.
func (c *BadgerCatalog) Update(_ context.Context, rec *models.TitleRecord, existingID string) (bool, error) {
	rec.LocalID = existingID
	value, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("%w: encoding title %s: %w", utils.ErrParsing, rec.Path, err)
	}

	found := false
	err = c.dbUpdate(func(txn *badger.Txn) error {
		old, err := getTitle(txn, existingID)
		if err != nil || old == nil {
			return err
		}
		found = true
		if err := txn.Set([]byte(titleKeyPrefix+existingID), value); err != nil {
			return err
		}
		if old.Path != rec.Path {
			if err := deleteIfOwned(txn, pathKeyPrefix+old.Path, existingID); err != nil {
				return err
			}
			if err := txn.Set([]byte(pathKeyPrefix+rec.Path), []byte(existingID)); err != nil {
				return err
			}
		}
		if old.Image != rec.Image {
			if err := deleteIfOwned(txn, imageKeyPrefix+old.Image, existingID); err != nil {
				return err
			}
			if rec.Image != "" {
				return txn.Set([]byte(imageKeyPrefix+rec.Image), []byte(existingID))
			}
		}
		return nil
	})
	if err != nil {
		c.log.WithField("id", existingID).Errorf("DB Update error in Update: %v", err)
		return false, fmt.Errorf("%w: update %s: %w", utils.ErrDatabase, existingID, err)
	}
	return found, nil
}

func deleteIfOwned(txn *badger.Txn, key, id string) error {
	owner, ok, err := getString(txn, key)
	if err != nil || !ok || owner != id {
		return err
	}
	return txn.Delete([]byte(key))
}

// Count implements Catalog using the cached title count
func (c *BadgerCatalog) Count(_ context.Context) (int, error) {
	return int(c.titleCount.Load()), nil
}

// RunGC runs BadgerDB's value log garbage collection periodically until ctx is done
func (c *BadgerCatalog) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Debug("BadgerDB GC goroutine started.")
	for {
		select {
		case <-ticker.C:
			if c.db.IsClosed() {
				c.log.Info("DB GC: Database is closed, stopping GC.")
				return
			}
			var err error
			for err == nil {
				err = c.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				c.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			c.log.Debugf("Stopping BadgerDB GC goroutine: %v", ctx.Err())
			return
		}
	}
}

// WritePathLog writes every stored page path, one per line
func (c *BadgerCatalog) WritePathLog(ctx context.Context, filePath string) (int, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("%w: create path log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	written := 0
	iterErr := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(pathKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().KeyCopy(nil)
			if _, err := writer.WriteString(string(key[len(prefix):]) + "\n"); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if iterErr != nil {
		return written, fmt.Errorf("%w: writing path log: %w", utils.ErrFilesystem, iterErr)
	}
	if err := writer.Flush(); err != nil {
		return written, fmt.Errorf("%w: flushing path log: %w", utils.ErrFilesystem, err)
	}
	c.log.Infof("Wrote %d paths to %s", written, filePath)
	return written, file.Sync()
}

// Close implements Catalog
func (c *BadgerCatalog) Close() error {
	if c.db == nil || c.db.IsClosed() {
		return nil
	}
	c.log.Debug("Closing catalog DB...")
	return c.db.Close()
}
