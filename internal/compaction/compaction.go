// Package compaction periodically folds long update logs into the document
// snapshot so hydration stays cheap.
package compaction

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice/collab/internal/crdt"
	"github.com/manpreetbhatti/lattice/collab/internal/db"
)

type Config struct {
	Interval          time.Duration
	UpdateThreshold   int
	KeepRecentUpdates int
}

func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		UpdateThreshold:   100,
		KeepRecentUpdates: 10,
	}
}

type Service struct {
	database *db.Database
	config   Config
	logger   *slog.Logger
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func New(database *db.Database, config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		database: database,
		config:   config,
		logger:   logger.With("component", "compaction"),
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("compaction started", "interval", s.config.Interval, "threshold", s.config.UpdateThreshold)
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info("compaction stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.CompactAll()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.CompactAll()
		}
	}
}

// CompactAll compacts every document over the threshold and reports how
// many were compacted
func (s *Service) CompactAll() int {
	docs, err := s.database.ListDocuments(1000, 0)
	if err != nil {
		s.logger.Error("could not list documents", "err", err)
		return 0
	}

	compacted := 0
	for _, doc := range docs {
		ok, err := s.CompactDocument(doc.ID)
		if err != nil {
			s.logger.Error("compaction failed", "doc", doc.ID, "err", err)
			continue
		}
		if ok {
			compacted++
		}
	}

	if compacted > 0 {
		s.logger.Info("compacted documents", "count", compacted)
	}
	return compacted
}

// CompactDocument folds all but the most recent updates of docID into its
// snapshot once the pending log reaches the threshold
func (s *Service) CompactDocument(docID string) (bool, error) {
	count, err := s.database.PendingUpdateCount(docID)
	if err != nil {
		return false, err
	}
	if count < s.config.UpdateThreshold {
		return false, nil
	}

	snap, err := s.database.GetSnapshot(docID)
	if err != nil {
		return false, err
	}
	after := int64(0)
	if snap != nil {
		after = snap.Seq
	}
	updates, err := s.database.UpdatesAfter(docID, after)
	if err != nil {
		return false, err
	}

	fold := len(updates) - s.config.KeepRecentUpdates
	if fold <= 0 {
		return false, nil
	}
	through := updates[fold-1].Seq

	if _, err := s.database.RewriteSnapshot(docID, through, crdt.MergeUpdates); err != nil {
		return false, fmt.Errorf("rewrite snapshot: %w", err)
	}

	s.logger.Info("compacted document", "doc", docID, "folded", fold, "kept", len(updates)-fold)
	return true, nil
}
