package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// Key layout inside badger. The 0x00 separator keeps prefix scans from
// crossing set boundaries.
//
//	k!<key>                      plain value
//	z!<key>\x00<score20>\x00<m>  sorted-set entry ordered by score
//	m!<key>\x00<m>               member -> score index for ZAdd updates
const (
	dataPrefix  = "k!"
	scorePrefix = "z!"
	indexPrefix = "m!"
)

// zsetEntryTTL bounds how long abandoned sorted-set entries linger when
// no caller prunes them.
const zsetEntryTTL = 24 * time.Hour

// Badger is a Store backed by an embedded badger database. Expiry uses
// badger's own TTL handling and therefore real time; deterministic
// fake-clock tests should target Memory instead.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger-backed store at dir.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", dir, err)
	}
	return &Badger{db: db}, nil
}

func dataKey(key string) []byte {
	return []byte(dataPrefix + key)
}

func scoreKey(key string, score int64, member string) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%020d\x00%s", scorePrefix, key, score, member))
}

func indexKey(key, member string) []byte {
	return []byte(indexPrefix + key + "\x00" + member)
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return out, nil
}

func (b *Badger) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(dataKey(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (b *Badger) Del(_ context.Context, keys ...string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(dataKey(key)); err != nil {
				return err
			}
			if err := deleteByPrefix(txn, []byte(scorePrefix+key+"\x00")); err != nil {
				return err
			}
			if err := deleteByPrefix(txn, []byte(indexPrefix+key+"\x00")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (b *Badger) DelPrefix(_ context.Context, prefix string) (int, error) {
	deleted := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		scan := []byte(dataPrefix + prefix)
		var victims [][]byte
		for it.Seek(scan); it.ValidForPrefix(scan); it.Next() {
			victims = append(victims, it.Item().KeyCopy(nil))
		}
		for _, k := range victims {
			if err := txn.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("del prefix %q: %w", prefix, err)
	}
	return deleted, nil
}

func (b *Badger) Incr(_ context.Context, key string) (int64, error) {
	var n int64
	err := b.db.Update(func(txn *badger.Txn) error {
		k := dataKey(key)
		var remaining time.Duration

		item, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			n = 0
		case err != nil:
			return err
		default:
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(val) > 0 {
				n, err = strconv.ParseInt(string(val), 10, 64)
				if err != nil {
					return fmt.Errorf("value is not an integer")
				}
			}
			if exp := item.ExpiresAt(); exp > 0 {
				remaining = time.Until(time.Unix(int64(exp), 0))
				if remaining <= 0 {
					// Expired between badger's sweep and now.
					n = 0
					remaining = 0
				}
			}
		}

		n++
		entry := badger.NewEntry(k, []byte(strconv.FormatInt(n, 10)))
		if remaining > 0 {
			entry = entry.WithTTL(remaining)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return 0, fmt.Errorf("incr %q: %w", key, err)
	}
	return n, nil
}

func (b *Badger) Expire(_ context.Context, key string, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		k := dataKey(key)
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		entry := badger.NewEntry(k, val)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("expire %q: %w", key, err)
	}
	return nil
}

func (b *Badger) TTL(_ context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(key))
		if err != nil {
			return err
		}
		exp := item.ExpiresAt()
		if exp == 0 {
			ttl = NoExpiry
			return nil
		}
		ttl = time.Until(time.Unix(int64(exp), 0))
		if ttl < 0 {
			ttl = 0
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrKeyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("ttl %q: %w", key, err)
	}
	return ttl, nil
}

func (b *Badger) ZAdd(_ context.Context, key string, score int64, member string) error {
	if score < 0 {
		return fmt.Errorf("zadd %q: negative score %d", key, score)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		idx := indexKey(key, member)

		// Drop the previous score entry if the member already exists.
		if item, err := txn.Get(idx); err == nil {
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			oldScore, err := strconv.ParseInt(string(old), 10, 64)
			if err == nil {
				if err := txn.Delete(scoreKey(key, oldScore, member)); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.SetEntry(badger.NewEntry(scoreKey(key, score, member), nil).WithTTL(zsetEntryTTL)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(idx, []byte(strconv.FormatInt(score, 10))).WithTTL(zsetEntryTTL))
	})
	if err != nil {
		return fmt.Errorf("zadd %q: %w", key, err)
	}
	return nil
}

func (b *Badger) ZRangeByScore(_ context.Context, key string, min, max int64) ([]Member, error) {
	if min < 0 {
		min = 0
	}
	var out []Member
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		setPrefix := []byte(scorePrefix + key + "\x00")
		start := scoreKey(key, min, "")
		for it.Seek(start); it.ValidForPrefix(setPrefix); it.Next() {
			score, member, err := parseScoreKey(it.Item().Key(), setPrefix)
			if err != nil {
				return err
			}
			if score > max {
				break
			}
			out = append(out, Member{Member: member, Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("zrange %q: %w", key, err)
	}
	return out, nil
}

func (b *Badger) ZRemRangeByScore(_ context.Context, key string, min, max int64) (int, error) {
	if min < 0 {
		min = 0
	}
	removed := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		setPrefix := []byte(scorePrefix + key + "\x00")
		start := scoreKey(key, min, "")
		var scoreKeys [][]byte
		var members []string
		for it.Seek(start); it.ValidForPrefix(setPrefix); it.Next() {
			score, member, err := parseScoreKey(it.Item().Key(), setPrefix)
			if err != nil {
				it.Close()
				return err
			}
			if score > max {
				break
			}
			scoreKeys = append(scoreKeys, it.Item().KeyCopy(nil))
			members = append(members, member)
		}
		it.Close()

		for i, k := range scoreKeys {
			if err := txn.Delete(k); err != nil {
				return err
			}
			if err := txn.Delete(indexKey(key, members[i])); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("zrem %q: %w", key, err)
	}
	return removed, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// deleteByPrefix removes all keys under prefix within txn.
func deleteByPrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var victims [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		victims = append(victims, it.Item().KeyCopy(nil))
	}
	for _, k := range victims {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// parseScoreKey splits z!<key>\x00<score20>\x00<member> into its parts.
func parseScoreKey(k, setPrefix []byte) (int64, string, error) {
	rest := k[len(setPrefix):]
	sep := bytes.IndexByte(rest, 0x00)
	if sep != 20 {
		return 0, "", fmt.Errorf("malformed sorted-set key %q", k)
	}
	score, err := strconv.ParseInt(string(rest[:sep]), 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed sorted-set key %q: %w", k, err)
	}
	return score, string(rest[sep+1:]), nil
}

var _ Store = (*Badger)(nil)
