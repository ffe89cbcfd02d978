package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/musterhq/muster/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes           = []byte("nodes")
	bucketPacks           = []byte("packs")
	bucketPods            = []byte("pods")
	bucketServices        = []byte("services")
	bucketNamespaces      = []byte("namespaces")
	bucketPriorityClasses = []byte("priority_classes")
	bucketPodHistory      = []byte("pod_history")
)

// BoltStore implements Store using BoltDB with one JSON bucket per
// entity kind. Pod history lives in a nested bucket per pod id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "muster.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketPacks,
			bucketPods,
			bucketServices,
			bucketNamespaces,
			bucketPriorityClasses,
			bucketPodHistory,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Node operations
func (s *BoltStore) SaveNode(node *types.Node) error {
	return s.put(bucketNodes, node.ID, node)
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.delete(bucketNodes, id)
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

// Pack operations
func (s *BoltStore) SavePack(pack *types.Pack) error {
	return s.put(bucketPacks, pack.ID, pack)
}

func (s *BoltStore) DeletePack(id string) error {
	return s.delete(bucketPacks, id)
}

func (s *BoltStore) ListPacks() ([]*types.Pack, error) {
	var packs []*types.Pack
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPacks)
		return b.ForEach(func(k, v []byte) error {
			var pack types.Pack
			if err := json.Unmarshal(v, &pack); err != nil {
				return err
			}
			packs = append(packs, &pack)
			return nil
		})
	})
	return packs, err
}

// Pod operations
func (s *BoltStore) SavePod(pod *types.Pod) error {
	return s.put(bucketPods, pod.ID, pod)
}

func (s *BoltStore) DeletePod(id string) error {
	return s.delete(bucketPods, id)
}

func (s *BoltStore) ListPods() ([]*types.Pod, error) {
	var pods []*types.Pod
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPods)
		return b.ForEach(func(k, v []byte) error {
			var pod types.Pod
			if err := json.Unmarshal(v, &pod); err != nil {
				return err
			}
			pods = append(pods, &pod)
			return nil
		})
	})
	return pods, err
}

// Service operations
func (s *BoltStore) SaveService(service *types.Service) error {
	return s.put(bucketServices, service.ID, service)
}

func (s *BoltStore) DeleteService(id string) error {
	return s.delete(bucketServices, id)
}

func (s *BoltStore) ListServices() ([]*types.Service, error) {
	var services []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			var service types.Service
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			services = append(services, &service)
			return nil
		})
	})
	return services, err
}

// Namespace operations
func (s *BoltStore) SaveNamespace(ns *types.Namespace) error {
	return s.put(bucketNamespaces, ns.Name, ns)
}

func (s *BoltStore) DeleteNamespace(name string) error {
	return s.delete(bucketNamespaces, name)
}

func (s *BoltStore) ListNamespaces() ([]*types.Namespace, error) {
	var namespaces []*types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		return b.ForEach(func(k, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			namespaces = append(namespaces, &ns)
			return nil
		})
	})
	return namespaces, err
}

// Priority class operations
func (s *BoltStore) SavePriorityClass(pc *types.PriorityClass) error {
	return s.put(bucketPriorityClasses, pc.Name, pc)
}

func (s *BoltStore) DeletePriorityClass(name string) error {
	return s.delete(bucketPriorityClasses, name)
}

func (s *BoltStore) ListPriorityClasses() ([]*types.PriorityClass, error) {
	var classes []*types.PriorityClass
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPriorityClasses)
		return b.ForEach(func(k, v []byte) error {
			var pc types.PriorityClass
			if err := json.Unmarshal(v, &pc); err != nil {
				return err
			}
			classes = append(classes, &pc)
			return nil
		})
	})
	return classes, err
}

// History operations. Entries for a pod live in a nested bucket keyed
// by an 8-byte big-endian sequence so iteration preserves append order.
func (s *BoltStore) AppendHistory(entry *types.PodHistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketPodHistory)
		b, err := parent.CreateBucketIfNotExists([]byte(entry.PodID))
		if err != nil {
			return fmt.Errorf("failed to create history bucket: %w", err)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		for i := 0; i < 8; i++ {
			key[7-i] = byte(seq >> (8 * i))
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListHistory(podID string) ([]*types.PodHistoryEntry, error) {
	var entries []*types.PodHistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPodHistory).Bucket([]byte(podID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var entry types.PodHistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) DeleteHistory(podID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketPodHistory)
		if parent.Bucket([]byte(podID)) == nil {
			return nil
		}
		return parent.DeleteBucket([]byte(podID))
	})
}
