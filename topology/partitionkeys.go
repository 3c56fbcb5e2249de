package topology

import "context"

// GetPartitionKeys returns the partition→representative-key map, serving
// from cache when it is younger than maxAge. Concurrent callers that miss
// the cache at the same time share a single in-flight @GetPartitionKeys
// call rather than each issuing their own.
func (m *Manager) GetPartitionKeys(ctx context.Context, maxAge int64) (map[int32]int64, error) {
	m.partitionKeysMu.Lock()
	if m.partitionKeysTimestamp != 0 && m.clk.Now().UnixMilli()-m.partitionKeysTimestamp < maxAge {
		out := cloneKeys(m.partitionKeys)
		m.partitionKeysMu.Unlock()
		return out, nil
	}

	if m.partitionKeysRefreshing {
		wait := make(chan struct{})
		m.partitionKeysWaiters = append(m.partitionKeysWaiters, wait)
		m.partitionKeysMu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		m.partitionKeysMu.Lock()
		out := cloneKeys(m.partitionKeys)
		m.partitionKeysMu.Unlock()
		return out, nil
	}

	m.partitionKeysRefreshing = true
	m.partitionKeysMu.Unlock()

	keys, err := m.refreshPartitionKeys(ctx)

	m.partitionKeysMu.Lock()
	m.partitionKeysRefreshing = false
	if err == nil {
		m.partitionKeys = keys
		m.partitionKeysTimestamp = m.clk.Now().UnixMilli()
	}
	waiters := m.partitionKeysWaiters
	m.partitionKeysWaiters = nil
	out := cloneKeys(m.partitionKeys)
	m.partitionKeysMu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) refreshPartitionKeys(ctx context.Context) (map[int32]int64, error) {
	_, resp, err := m.caller.CallSystemAny(ctx, "@GetPartitionKeys", []any{"INTEGER"})
	if err != nil {
		return nil, err
	}
	return m.decoder.DecodeGetPartitionKeys(resp)
}

func cloneKeys(m map[int32]int64) map[int32]int64 {
	out := make(map[int32]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
