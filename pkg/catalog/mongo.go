package catalog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"catalog-sync/pkg/config"
	"catalog-sync/pkg/log"
	"catalog-sync/pkg/models"
	"catalog-sync/pkg/utils"
)

// MongoCatalog implements Catalog on one MongoDB collection per source
type MongoCatalog struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    *logrus.Entry
}

// CollectionName returns the collection holding the titles of sourceKey
func CollectionName(prefix, sourceKey string) string {
	if prefix == "" {
		prefix = "titles"
	}
	return prefix + "_" + utils.SanitizeFilename(sourceKey)
}

// NewMongoCatalog connects to cfg.MongoURI and ensures the collection indexes
func NewMongoCatalog(ctx context.Context, cfg config.CatalogConfig, sourceKey string, logger *logrus.Entry) (*MongoCatalog, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	loggerOpts := options.Logger().
		SetSink(log.NewMongoLogSink(logger.WithField("component", "mongo"))).
		SetComponentLevel(options.LogComponentConnection, options.LogLevelInfo)
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI).SetLoggerOptions(loggerOpts))
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", utils.ErrDatabase, cfg.MongoURI, err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping %s: %w", utils.ErrDatabase, cfg.MongoURI, err)
	}

	name := CollectionName(cfg.MongoCollection, sourceKey)
	coll := client.Database(cfg.MongoDatabase).Collection(name)

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "path", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "image", Value: 1}}},
		{Keys: bson.D{{Key: "source_id", Value: 1}}},
		{Keys: bson.D{{Key: "meta.last_updated", Value: -1}}},
	}
	if _, err := coll.Indexes().CreateMany(connectCtx, indexes); err != nil {
		logger.Warnf("Failed to create indexes on %s: %v", name, err)
	}

	logger.WithFields(logrus.Fields{"database": cfg.MongoDatabase, "collection": name}).Info("Connected to MongoDB catalog.")
	return &MongoCatalog{client: client, coll: coll, log: logger}, nil
}

func (c *MongoCatalog) findOne(ctx context.Context, filter bson.M) (*models.TitleRecord, error) {
	var rec models.TitleRecord
	err := c.coll.FindOne(ctx, filter).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find %v: %w", utils.ErrDatabase, filter, err)
	}
	return &rec, nil
}

// FindByPath implements Catalog
func (c *MongoCatalog) FindByPath(ctx context.Context, path string) (*models.TitleRecord, error) {
	return c.findOne(ctx, bson.M{"path": path})
}

// FindByImage implements Catalog
func (c *MongoCatalog) FindByImage(ctx context.Context, image string) (*models.TitleRecord, error) {
	if image == "" {
		return nil, nil
	}
	return c.findOne(ctx, bson.M{"image": image})
}

// Insert implements Catalog
func (c *MongoCatalog) Insert(ctx context.Context, rec *models.TitleRecord) error {
	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	}
	if _, err := c.coll.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: path %s already stored: %w", utils.ErrDatabase, rec.Path, err)
		}
		return fmt.Errorf("%w: insert %s: %w", utils.ErrDatabase, rec.Path, err)
	}
	return nil
}

// Update implements Catalog
func (c *MongoCatalog) Update(ctx context.Context, rec *models.TitleRecord, existingID string) (bool, error) {
	rec.LocalID = existingID
	res, err := c.coll.ReplaceOne(ctx, bson.M{"_id": existingID}, rec)
	if err != nil {
		return false, fmt.Errorf("%w: update %s: %w", utils.ErrDatabase, existingID, err)
	}
	return res.MatchedCount > 0, nil
}

// Count implements Catalog
func (c *MongoCatalog) Count(ctx context.Context) (int, error) {
	n, err := c.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("%w: count: %w", utils.ErrDatabase, err)
	}
	return int(n), nil
}

// WritePathLog implements PathExporter, sorted by path
func (c *MongoCatalog) WritePathLog(ctx context.Context, filePath string) (int, error) {
	opts := options.Find().SetProjection(bson.M{"path": 1}).SetSort(bson.M{"path": 1})
	cur, err := c.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return 0, fmt.Errorf("%w: list paths: %w", utils.ErrDatabase, err)
	}
	defer cur.Close(ctx)

	file, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("%w: create path log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	written := 0
	for cur.Next(ctx) {
		var doc struct {
			Path string `bson:"path"`
		}
		if err := cur.Decode(&doc); err != nil {
			return written, fmt.Errorf("%w: decode path: %w", utils.ErrDatabase, err)
		}
		if _, err := writer.WriteString(doc.Path + "\n"); err != nil {
			return written, fmt.Errorf("%w: writing path log: %w", utils.ErrFilesystem, err)
		}
		written++
	}
	if err := cur.Err(); err != nil {
		return written, fmt.Errorf("%w: list paths: %w", utils.ErrDatabase, err)
	}
	if err := writer.Flush(); err != nil {
		return written, fmt.Errorf("%w: flushing path log: %w", utils.ErrFilesystem, err)
	}
	c.log.Infof("Wrote %d paths to %s", written, filePath)
	return written, file.Sync()
}

// Close implements Catalog
func (c *MongoCatalog) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}
