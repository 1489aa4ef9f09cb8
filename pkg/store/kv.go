package store

import "time"

// Get 在只读事务中读取一个键。
func Get(s Store, key string) ([]byte, error) {
	var out []byte
	err := s.View(func(tx Tx) error {
		v, err := tx.Get([]byte(key))
		out = v
		return err
	})
	return out, err
}

// Put 写入一个键。
func Put(s Store, key string, value []byte, ttl time.Duration) error {
	return s.Update(func(tx Tx) error {
		return tx.Set([]byte(key), value, ttl)
	})
}

// Drain 按键序读取 prefix 下的全部条目并在同一事务中删除。
func Drain(s Store, prefix string, fn func(key string, value []byte)) error {
	return s.Update(func(tx Tx) error {
		it := tx.NewIterator([]byte(prefix))
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			k, v, err := it.Item()
			if err != nil {
				it.Close()
				return err
			}
			fn(string(k), v)
			keys = append(keys, k)
		}
		it.Close()

		for _, k := range keys {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
