package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/yourorg/exchanger/internal/client"
	"github.com/yourorg/exchanger/internal/model"
	"github.com/yourorg/exchanger/internal/repository"
	"github.com/yourorg/exchanger/internal/taskmanager"

	"go.uber.org/zap"
)

const (
	backupPrefix          = "backup_"
	backupSuffix          = ".json"
	backupTimestampLayout = "20060102_150405"
)

var backupTimestampPattern = regexp.MustCompile(`^\d{8}_\d{6}$`)

// BackupService writes and restores JSON snapshots of the store
type BackupService struct {
	store    *repository.RateStore
	registry *client.Registry
	tasks    *taskmanager.Manager
	dir      string
	logger   *zap.Logger
	now      func() time.Time
}

// NewBackupService creates a backup service storing files in dir
func NewBackupService(store *repository.RateStore, registry *client.Registry, tasks *taskmanager.Manager, dir string, logger *zap.Logger) *BackupService {
	return &BackupService{
		store:    store,
		registry: registry,
		tasks:    tasks,
		dir:      dir,
		logger:   logger,
		now:      time.Now,
	}
}

func backupFilename(timestamp string) string {
	return backupPrefix + timestamp + backupSuffix
}

func (s *BackupService) ensureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}
	return nil
}

// checkIdle refuses while any provider task is running
func (s *BackupService) checkIdle() error {
	if running := s.tasks.AnyRunning(providerTaskKeys(s.registry.IDs())); running != "" {
		return fmt.Errorf("%s %w", running, ErrTaskRunning)
	}
	return nil
}

// List returns available backups, newest first
func (s *BackupService) List(ctx context.Context) ([]model.BackupInfo, error) {
	if err := s.ensureDir(); err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(s.dir, backupPrefix+"*"+backupSuffix))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	backups := []model.BackupInfo{}
	for _, name := range names {
		ts := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
		if ts == "" {
			continue
		}
		backups = append(backups, model.BackupInfo{Filename: name, Timestamp: ts})
	}
	return backups, nil
}

// Create writes the current store contents to a new backup file
func (s *BackupService) Create(ctx context.Context) (*model.BackupResult, error) {
	if err := s.checkIdle(); err != nil {
		return nil, err
	}
	if err := s.ensureDir(); err != nil {
		return nil, err
	}

	var backup model.Backup
	var err error
	if backup.Rates, err = s.store.ExportRates(ctx); err != nil {
		return nil, err
	}
	if backup.Symbols, err = s.store.ExportSymbols(ctx); err != nil {
		return nil, err
	}
	if backup.Metadata, err = s.store.ExportMetadata(ctx); err != nil {
		return nil, err
	}
	if backup.Favorites, err = s.store.ExportFavorites(ctx); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return nil, err
	}

	timestamp := s.now().Format(backupTimestampLayout)
	filename := backupFilename(timestamp)
	path := filepath.Join(s.dir, filename)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}

	s.logger.Info("Backup created",
		zap.String("filename", filename),
		zap.Int("rates", len(backup.Rates)),
		zap.Int("symbols", len(backup.Symbols)),
		zap.Int("metadata", len(backup.Metadata)),
		zap.Int("favorites", len(backup.Favorites)))

	return &model.BackupResult{
		Filename:       filename,
		Timestamp:      timestamp,
		RatesCount:     len(backup.Rates),
		SymbolsCount:   len(backup.Symbols),
		MetadataCount:  len(backup.Metadata),
		FavoritesCount: len(backup.Favorites),
	}, nil
}

// Restore replaces the store contents with a backup. Sections missing from
// the file are left untouched.
func (s *BackupService) Restore(ctx context.Context, timestamp string) (*model.RestoreResult, error) {
	if err := s.checkIdle(); err != nil {
		return nil, err
	}
	if !backupTimestampPattern.MatchString(timestamp) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, timestamp)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, backupFilename(timestamp)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, timestamp)
		}
		return nil, err
	}

	var backup model.Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("invalid backup file: %w", err)
	}

	result := &model.RestoreResult{Timestamp: timestamp}

	// symbols first: rates and favorites reference them
	if len(backup.Symbols) > 0 {
		n, err := s.store.ImportSymbols(ctx, backup.Symbols)
		if err != nil {
			return nil, fmt.Errorf("failed to restore symbols: %w", err)
		}
		result.Symbols = &n
	}
	if len(backup.Rates) > 0 {
		n, err := s.store.ImportRates(ctx, backup.Rates)
		if err != nil {
			return nil, fmt.Errorf("failed to restore rates: %w", err)
		}
		result.Rates = &n
	}
	if len(backup.Metadata) > 0 {
		n, err := s.store.ImportMetadata(ctx, backup.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to restore metadata: %w", err)
		}
		result.Metadata = &n
	}
	if len(backup.Favorites) > 0 {
		n, err := s.store.ImportFavorites(ctx, backup.Favorites)
		if err != nil {
			return nil, fmt.Errorf("failed to restore favorites: %w", err)
		}
		result.Favorites = &n
	}

	s.logger.Info("Backup restored", zap.String("timestamp", timestamp))
	return result, nil
}
