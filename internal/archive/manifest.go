package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"time"
)

// ManifestVersion is bumped when the manifest layout changes.
const ManifestVersion = 1

// Manifest describes one archived dataset. It is stored next to the clips.
type Manifest struct {
	Version      int            `json:"version"`
	BatchID      string         `json:"batch_id"`
	Dataset      string         `json:"dataset"`
	Stamp        string         `json:"stamp"`
	Username     string         `json:"username"`
	UserID       string         `json:"user_id,omitempty"`
	IsPool       bool           `json:"is_pool"`
	AckStatus    string         `json:"ack_status,omitempty"`
	DispatchedAt time.Time      `json:"dispatched_at"`
	TotalBytes   int64          `json:"total_bytes"`
	Items        []ManifestItem `json:"items"`
}

// ManifestItem is one clip of a manifest.
type ManifestItem struct {
	Index     int    `json:"index"`
	SessionID string `json:"session_id"`
	Label     string `json:"label"`
	Timestamp string `json:"timestamp"`
	Key       string `json:"key"`
	Size      int64  `json:"size_bytes"`
	Checksum  string `json:"sha256"`
	Partial   bool   `json:"partial,omitempty"`
	Status    string `json:"status"`
}

// ManifestKey returns where the manifest of dataset is stored.
func ManifestKey(dataset string) string {
	return path.Join(dataset, "manifest.json")
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newManifest(e *BatchEntry) *Manifest {
	m := &Manifest{
		Version:      ManifestVersion,
		BatchID:      e.BatchID,
		Dataset:      e.Dataset,
		Stamp:        e.Stamp,
		Username:     e.Username,
		UserID:       e.UserID,
		IsPool:       e.IsPool,
		AckStatus:    e.AckStatus,
		DispatchedAt: e.DispatchedAt,
		TotalBytes:   e.TotalBytes,
		Items:        make([]ManifestItem, 0, len(e.Items)),
	}
	for _, it := range e.Items {
		m.Items = append(m.Items, ManifestItem{
			Index:     it.Index,
			SessionID: it.SessionID,
			Label:     it.Label,
			Timestamp: it.Timestamp,
			Key:       it.ObjectKey,
			Size:      it.SizeBytes,
			Checksum:  it.Checksum,
			Partial:   it.Partial,
			Status:    it.Status,
		})
	}
	return m
}

// writeManifest stores the manifest of e, replacing any earlier one.
func (a *Archiver) writeManifest(ctx context.Context, e *BatchEntry) error {
	data, err := json.MarshalIndent(newManifest(e), "", "  ")
	if err != nil {
		return err
	}
	return a.store.Put(ctx, ManifestKey(e.Dataset), data, PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"batch-id": e.BatchID},
	})
}
