package quiz

import "time"

func (s *Service) TTLWithJitter() time.Duration { return s.ttlWithJitter() }

func (s *Service) CacheKey(platformTitle, title string) string {
	return s.cacheKey(platformTitle, title)
}
