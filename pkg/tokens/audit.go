package tokens

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Audit scans the store and the cache for drift and returns one finding
// per inconsistency, in deterministic order. An empty result means the
// two layers agree.
//
// Findings cover expired rows the store still holds, rows whose parent
// is gone, rows carrying scopes the deployment no longer knows, cache
// entries without a backing row, cache entries that outlived their
// expiration, and cache entries whose secret no longer matches the row.
func (m *Manager) Audit(ctx context.Context) ([]string, error) {
	now := m.currentTime()
	var findings []string

	infos, err := storage.Retry(ctx, func() ([]*token.Info, error) { return m.store.List(ctx, "") })
	if err != nil {
		return nil, errors.NewStorageUnavailableError("failed to list tokens for audit", err)
	}

	rows := make(map[string]*token.Info, len(infos))
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		rows[info.Token] = info
		keys = append(keys, info.Token)
	}
	slices.Sort(keys)

	for _, key := range keys {
		info := rows[key]
		if info.Expires != nil && !info.Expires.After(now) {
			findings = append(findings, fmt.Sprintf(
				"token %s (%s for %s) expired %s but was never pruned",
				key, info.Kind, info.Username, info.Expires.UTC().Format(time.RFC3339)))
		}
		if info.Parent != "" {
			if _, ok := rows[info.Parent]; !ok {
				findings = append(findings, fmt.Sprintf(
					"token %s references missing parent %s", key, info.Parent))
			}
		}
		for _, scope := range info.Scopes {
			if _, ok := m.cfg.KnownScopes[scope]; !ok {
				findings = append(findings, fmt.Sprintf(
					"token %s carries unknown scope %q", key, scope))
			}
		}
	}

	cached, err := storage.Retry(ctx, func() ([]string, error) { return m.cache.Keys(ctx) })
	if err != nil {
		return nil, errors.NewStorageUnavailableError("failed to list cached tokens for audit", err)
	}
	slices.Sort(cached)

	for _, key := range cached {
		data, err := m.cache.Get(ctx, key)
		if err != nil {
			// The entry may have expired between Keys and Get.
			if stderrors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, errors.NewStorageUnavailableError("failed to read cached token for audit", err)
		}
		if _, ok := rows[key]; !ok {
			findings = append(findings, fmt.Sprintf(
				"cached token %s has no database row", key))
			continue
		}
		if data.Expired(now) {
			findings = append(findings, fmt.Sprintf(
				"cached token %s expired %s but is still served",
				key, data.Expires.UTC().Format(time.RFC3339)))
		}

		stored, err := storage.Retry(ctx, func() (*token.Data, error) { return m.store.Get(ctx, key) })
		if err != nil {
			if stderrors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, errors.NewStorageUnavailableError("failed to read token row for audit", err)
		}
		if stored.SecretHash != data.SecretHash {
			findings = append(findings, fmt.Sprintf(
				"cached token %s does not match the stored secret", key))
		}
	}

	return findings, nil
}
