package cache

import (
	"strings"

	"github.com/saiset-co/sai-story-cache/types"
)

const globMeta = `*?[]\`

// Pattern is a parsed delete pattern. A single trailing "*" is the only
// wildcard and everything before it is a literal prefix; a pattern without
// it addresses exactly one key.
type Pattern struct {
	Prefix string
	Exact  bool
}

func ParsePattern(pattern string) (Pattern, error) {
	if pattern == "" {
		return Pattern{}, types.ErrCacheKeyEmpty
	}

	body := pattern
	exact := true
	if strings.HasSuffix(pattern, "*") {
		body = pattern[:len(pattern)-1]
		exact = false
	}

	if i := strings.IndexByte(body, '*'); i >= 0 {
		return Pattern{}, types.Errorf(types.ErrPatternUnsupported, "%q has '*' at offset %d", pattern, i)
	}

	return Pattern{Prefix: body, Exact: exact}, nil
}

func (p Pattern) Match(key string) bool {
	if p.Exact {
		return key == p.Prefix
	}
	return strings.HasPrefix(key, p.Prefix)
}

func (p Pattern) String() string {
	if p.Exact {
		return p.Prefix
	}
	return p.Prefix + "*"
}

// redisMatch builds a SCAN MATCH expression selecting every key that
// starts with prefix.
func redisMatch(prefix string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 2)
	for i := 0; i < len(prefix); i++ {
		if strings.IndexByte(globMeta, prefix[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(prefix[i])
	}
	b.WriteByte('*')
	return b.String()
}
