package dataset

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ebsmothers/ebs-torchtune/internal/cache"
)

// cachedSource decora un Source cacheando los lookups de ground truth.
// Con group_size muestras por prompt, cada respuesta se consulta muchas
// veces por los postprocessing workers; singleflight colapsa lookups
// concurrentes de la misma key (mismo patrón que el pool de conexiones).
type cachedSource struct {
	Source
	cache cache.Client
	sf    singleflight.Group
	ttl   time.Duration
}

// WithCache envuelve src con un cache de respuestas (memory o redis).
func WithCache(src Source, c cache.Client, ttl time.Duration) Source {
	return &cachedSource{Source: src, cache: c, ttl: ttl}
}

func (s *cachedSource) Answer(ctx context.Context, promptID string) (string, error) {
	key := "gt:" + promptID
	if v, err := s.cache.Get(ctx, key); err == nil {
		return v, nil
	}

	v, err, _ := s.sf.Do(promptID, func() (any, error) {
		a, err := s.Source.Answer(ctx, promptID)
		if err != nil {
			return "", err
		}
		// Best effort: si el Set falla el lookup directo sigue sirviendo.
		_ = s.cache.Set(ctx, key, a, s.ttl)
		return a, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
