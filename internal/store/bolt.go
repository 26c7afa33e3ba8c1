package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices  = []byte("devices")
	bucketSettings = []byte("settings")
)

// BoltStore implements Registry using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDevices, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveDevice(cfg *DeviceConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("save device: name is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(cfg.toStorage())
		if err != nil {
			return err
		}
		return b.Put([]byte(cfg.Name), data)
	})
}

func (s *BoltStore) GetDevice(name string) (*DeviceConfig, error) {
	var cfg *DeviceConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("device %s: %w", name, ErrNotFound)
		}
		var st deviceConfigStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		cfg = st.toConfig()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *BoltStore) DeleteDevice(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("device %s: %w", name, ErrNotFound)
		}
		return b.Delete([]byte(name))
	})
}

// ListDevices returns all configured devices ordered by name.
func (s *BoltStore) ListDevices() ([]*DeviceConfig, error) {
	var devices []*DeviceConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*DeviceConfig, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var st deviceConfigStorage
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decode device %s: %w", k, err)
			}
			devices = append(devices, st.toConfig())
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) DeviceNames() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func (s *BoltStore) GetSetting(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("setting %s: %w", key, ErrNotFound)
		}
		value = string(data)
		return nil
	})
	return value, err
}

func (s *BoltStore) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		return b.Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
