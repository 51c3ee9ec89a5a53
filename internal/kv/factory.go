package kv

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/pipesync/internal/clock"
)

// Open constructs a Store from a DSN. Supported schemes:
//
//	memory://                    in-process store (dev, tests, single node)
//	badger:///var/lib/pipesync   embedded on-disk store
//
// An empty DSN selects the in-process store. Schemes for external
// servers (redis://) are recognized but return ErrBackendNotSupported
// until a backend is wired in.
func Open(dsn string, clk clock.Clock) (Store, error) {
	if dsn == "" {
		return NewMemory(clk), nil
	}

	scheme, rest, found := strings.Cut(dsn, "://")
	if !found {
		return nil, fmt.Errorf("kv dsn %q: missing scheme", dsn)
	}

	switch scheme {
	case "memory", "mem":
		return NewMemory(clk), nil
	case "badger":
		if rest == "" {
			return nil, fmt.Errorf("kv dsn %q: badger requires a directory path", dsn)
		}
		return OpenBadger(rest)
	case "redis", "rediss":
		return nil, fmt.Errorf("%q: %w", scheme, ErrBackendNotSupported)
	default:
		return nil, fmt.Errorf("%q: %w", scheme, ErrBackendNotSupported)
	}
}
