package service

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/yourorg/exchanger/internal/client"
)

var (
	// ErrUnknownProvider is returned for a provider id that is not registered
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrBackupNotFound is returned when a restore names a missing backup file
	ErrBackupNotFound = errors.New("backup not found")

	// ErrTaskRunning is returned when an operation needs every provider task idle
	ErrTaskRunning = errors.New("task is running")
)

const maxStatusMessageLen = 300

// BackfillTaskKey is the task key of a provider backfill
func BackfillTaskKey(provider string) string { return "backfill:" + provider }

// PopulateTaskKey is the task key of a provider symbol population
func PopulateTaskKey(provider string) string { return "populate_symbols:" + provider }

// providerTaskKeys lists every task key of the given providers
func providerTaskKeys(providers []string) []string {
	keys := make([]string, 0, 2*len(providers))
	for _, p := range providers {
		keys = append(keys, PopulateTaskKey(p), BackfillTaskKey(p))
	}
	return keys
}

func unknownProvider(provider string) error {
	return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
}

// statusMessage turns an error into a message safe to show in task status.
// Request URLs are dropped since they can carry API keys.
func statusMessage(err error) string {
	if errors.Is(err, client.ErrQuotaExceeded) {
		return client.ErrQuotaExceeded.Error()
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "provider request failed: " + urlErr.Err.Error()
	}

	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > maxStatusMessageLen {
		msg = msg[:maxStatusMessageLen] + "..."
	}
	return msg
}
