package manager

import (
	"peerd/internal/preload"
	"peerd/pkg/types"
)

// SubscribeCache streams conversation cache stats after every change, the
// current value first. Without a cache the channel never delivers.
func (m *Manager) SubscribeCache() (<-chan types.CacheStats, func()) {
	if m.cache == nil {
		return nil, func() {}
	}
	src, cancel := m.cache.Subscribe()
	return relayLatest(src, cacheStats), cancel
}

// SubscribePreload streams the preload status map after every change, the
// current value first. Without a preloader the channel never delivers.
func (m *Manager) SubscribePreload() (<-chan types.PreloadResponse, func()) {
	if m.preloader == nil {
		return nil, func() {}
	}
	limit := m.preloader.Max()
	src, cancel := m.preloader.Subscribe()
	return relayLatest(src, func(snap map[string]preload.Model) types.PreloadResponse {
		return preloadResponse(snap, limit)
	}), cancel
}

// relayLatest converts values from src until it is closed, then closes the
// returned channel. A slow reader only sees the most recent value.
func relayLatest[S, D any](src <-chan S, conv func(S) D) <-chan D {
	out := make(chan D, 1)
	go func() {
		defer close(out)
		for v := range src {
			d := conv(v)
			select {
			case out <- d:
				continue
			default:
			}
			select {
			case <-out:
			default:
			}
			select {
			case out <- d:
			default:
			}
		}
	}()
	return out
}
