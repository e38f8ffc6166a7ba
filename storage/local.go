package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"cryptomon/logger"
	"cryptomon/models"
)

// LocalStore writes the same parquet objects as S3Store under a directory
// tree. Useful for development and single-host deployments.
type LocalStore struct {
	dir string
	log *logger.Log
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &LocalStore{dir: dir, log: logger.GetLogger()}, nil
}

func (s *LocalStore) WriteBatch(ctx context.Context, batch *models.Batch) error {
	trades, events := flattenBatch(batch)

	if len(trades) > 0 {
		data, err := encodeTradeRows(trades)
		if err != nil {
			return err
		}
		if err := s.writeFile("trades", batch, data); err != nil {
			return err
		}
	}
	if len(events) > 0 {
		data, err := encodeBookEventRows(events)
		if err != nil {
			return err
		}
		if err := s.writeFile("book_events", batch, data); err != nil {
			return err
		}
	}
	return nil
}

// writeFile lands the object via a rename so a crashed write never leaves a
// half-complete parquet file in the table directory.
func (s *LocalStore) writeFile(table string, batch *models.Batch, data []byte) error {
	ts := batch.CreatedAt.UTC()
	dir := filepath.Join(s.dir, table, fmt.Sprintf("date=%s", ts.Format("2006-01-02")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create table dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.parquet", ts.Format("20060102T150405"), batch.BatchID)
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write parquet file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	s.log.WithComponent("local_store").WithFields(logger.Fields{
		"table": table,
		"file":  name,
		"bytes": len(data),
	}).Debug("wrote batch file")
	return nil
}

func (s *LocalStore) Close() error { return nil }
