package expressions

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize bounds how many compiled programs each engine keeps.
const DefaultCacheSize = 512

// programCache holds compiled programs keyed by source text. Concurrent
// misses for the same expression share one compilation.
type programCache[P any] struct {
	programs *lru.Cache[string, P]
	group    singleflight.Group
	compile  func(expression string) (P, error)
}

func newProgramCache[P any](size int, compile func(string) (P, error)) *programCache[P] {
	if size <= 0 {
		size = DefaultCacheSize
	}
	programs, err := lru.New[string, P](size)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &programCache[P]{programs: programs, compile: compile}
}

func (c *programCache[P]) get(expression string) (P, error) {
	if p, ok := c.programs.Get(expression); ok {
		return p, nil
	}
	v, err, _ := c.group.Do(expression, func() (any, error) {
		p, err := c.compile(expression)
		if err != nil {
			return nil, err
		}
		c.programs.Add(expression, p)
		return p, nil
	})
	if err != nil {
		var zero P
		return zero, err
	}
	return v.(P), nil
}

func (c *programCache[P]) len() int { return c.programs.Len() }
