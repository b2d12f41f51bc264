package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
	"github.com/mikeyg42/emocapture/internal/session"
)

const webmContentType = "video/webm"

// Archiver stores dispatched batches. The ledger is optional.
type Archiver struct {
	store  ObjectStore
	ledger Ledger
	log    recorderlog.Logger
}

var _ session.Archiver = (*Archiver)(nil)

// New creates an archiver over store and ledger. ledger may be nil.
func New(store ObjectStore, ledger Ledger, log recorderlog.Logger) *Archiver {
	if log == nil {
		log = recorderlog.L()
	}
	return &Archiver{store: store, ledger: ledger, log: log.Named("archive")}
}

// Open connects the stores named by cfg.
func Open(ctx context.Context, cfg config.ArchiveConfig, log recorderlog.Logger) (*Archiver, error) {
	store, err := NewMinIOStore(ctx, cfg.MinIO, log)
	if err != nil {
		return nil, err
	}
	var ledger Ledger
	if cfg.Postgres.Enabled {
		pg, err := NewPostgresLedger(ctx, cfg.Postgres, log)
		if err != nil {
			return nil, err
		}
		ledger = pg
	}
	return New(store, ledger, log), nil
}

// ObjectKey returns the key of item index of dataset.
func ObjectKey(dataset string, index int, label string, pool bool) string {
	name := strconv.Itoa(index) + "_" + sanitize(label) + ".webm"
	if pool {
		return path.Join(dataset, "pool", name)
	}
	return path.Join(dataset, name)
}

func sanitize(s string) string {
	if s == "" {
		return session.UnlabeledLabel
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, s)
}

// Archive uploads every session of rec, then the dataset manifest, and records the
// batch in the ledger. Items that already exist are not uploaded again. All
// failures are joined.
func (a *Archiver) Archive(ctx context.Context, rec *session.Record) error {
	if rec == nil || rec.Payload == nil {
		return errors.New("archive: empty record")
	}

	entry := &BatchEntry{
		BatchID:      rec.BatchID,
		Dataset:      rec.Dataset,
		Stamp:        rec.Stamp,
		Username:     rec.Payload.Username,
		UserID:       rec.Payload.UserID,
		Bucket:       a.store.Bucket(),
		IsPool:       rec.Payload.IsPool,
		ItemCount:    len(rec.Payload.ImageBlobs),
		TotalBytes:   int64(rec.Payload.Bytes()),
		Emotions:     rec.Payload.Emotions,
		DispatchedAt: rec.DispatchedAt,
	}
	if rec.Ack != nil {
		entry.AckStatus = rec.Ack.Status
	}

	log := a.log.With(recorderlog.String("batch_id", rec.BatchID), recorderlog.String("dataset", rec.Dataset))

	var errs []error
	for i, blob := range rec.Payload.ImageBlobs {
		item := ItemEntry{
			BatchID:   rec.BatchID,
			Index:     i,
			SizeBytes: int64(len(blob)),
			Checksum:  checksum(blob),
			Status:    ItemStored,
		}
		if i < len(rec.Payload.Emotions) {
			item.Label = rec.Payload.Emotions[i]
		}
		if i < len(rec.Payload.Timestamps) {
			item.Timestamp = rec.Payload.Timestamps[i]
		}
		if i < len(rec.Sessions) {
			s := rec.Sessions[i]
			item.SessionID = s.ID
			item.Pool = s.Pool
			item.Partial = s.Partial
			item.StartedAt = s.StartedAt
			item.EndedAt = s.EndedAt
		}
		item.ObjectKey = ObjectKey(rec.Dataset, i, item.Label, item.Pool)

		if err := a.putItem(ctx, &item, blob); err != nil {
			item.Status = ItemFailed
			item.LastError = err.Error()
			errs = append(errs, err)
			log.Warn("item archive failed", recorderlog.String("key", item.ObjectKey), recorderlog.Error(err))
		}
		entry.Items = append(entry.Items, item)
	}

	if err := a.writeManifest(ctx, entry); err != nil {
		errs = append(errs, fmt.Errorf("manifest: %w", err))
	}

	if a.ledger != nil {
		if err := a.ledger.RecordBatch(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("ledger: %w", err))
		}
	}

	if len(errs) == 0 {
		log.Info("batch archived", recorderlog.Int("items", len(entry.Items)), recorderlog.Int64("bytes", entry.TotalBytes))
	}
	return errors.Join(errs...)
}

func (a *Archiver) putItem(ctx context.Context, item *ItemEntry, blob []byte) error {
	exists, err := a.store.Exists(ctx, item.ObjectKey)
	if err != nil && !IsNotExist(err) {
		return err
	}
	if exists {
		item.Status = ItemSkipped
		return nil
	}
	return a.store.Put(ctx, item.ObjectKey, blob, PutOptions{
		ContentType: webmContentType,
		Metadata: map[string]string{
			"batch-id":   item.BatchID,
			"session-id": item.SessionID,
			"emotion":    item.Label,
			"timestamp":  item.Timestamp,
			"partial":    strconv.FormatBool(item.Partial),
			"sha256":     item.Checksum,
		},
	})
}

// HealthCheck checks the object store and, when configured, the ledger.
func (a *Archiver) HealthCheck(ctx context.Context) error {
	if err := a.store.HealthCheck(ctx); err != nil {
		return err
	}
	if a.ledger != nil {
		return a.ledger.HealthCheck(ctx)
	}
	return nil
}

// Close releases the ledger connection.
func (a *Archiver) Close() error {
	if a.ledger != nil {
		return a.ledger.Close()
	}
	return nil
}
