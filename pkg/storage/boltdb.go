package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/preempt-io/preempt/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketServers  = []byte("servers")
	bucketServices = []byte("services")
	bucketPlans    = []byte("plans")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "preempt.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServers,
			bucketServices,
			bucketPlans,
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

// Server operations
func (s *BoltStore) CreateServer(server *types.Server) error {
	return s.put(bucketServers, server.ID, server)
}

func (s *BoltStore) GetServer(id string) (*types.Server, error) {
	var server types.Server
	if err := s.get(bucketServers, id, &server, "server"); err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *BoltStore) ListServers() ([]*types.Server, error) {
	var servers []*types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		return b.ForEach(func(k, v []byte) error {
			var server types.Server
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			servers = append(servers, &server)
			return nil
		})
	})
	return servers, err
}

func (s *BoltStore) UpdateServer(server *types.Server) error {
	return s.CreateServer(server) // Same as create (upsert)
}

func (s *BoltStore) DeleteServer(id string) error {
	return s.delete(bucketServers, id)
}

// Service operations
func (s *BoltStore) CreateService(service *types.ServiceSpec) error {
	return s.put(bucketServices, service.ID, service)
}

func (s *BoltStore) GetService(id string) (*types.ServiceSpec, error) {
	var service types.ServiceSpec
	if err := s.get(bucketServices, id, &service, "service"); err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) ListServices() ([]*types.ServiceSpec, error) {
	var services []*types.ServiceSpec
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			var service types.ServiceSpec
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			services = append(services, &service)
			return nil
		})
	})
	return services, err
}

func (s *BoltStore) UpdateService(service *types.ServiceSpec) error {
	return s.CreateService(service)
}

func (s *BoltStore) DeleteService(id string) error {
	return s.delete(bucketServices, id)
}

// Plan operations
func (s *BoltStore) SavePlan(plan *types.MigrationPlan) error {
	return s.put(bucketPlans, plan.ID, plan)
}

func (s *BoltStore) GetPlan(id string) (*types.MigrationPlan, error) {
	var plan types.MigrationPlan
	if err := s.get(bucketPlans, id, &plan, "plan"); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *BoltStore) ListPlans() ([]*types.MigrationPlan, error) {
	var plans []*types.MigrationPlan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		return b.ForEach(func(k, v []byte) error {
			var plan types.MigrationPlan
			if err := json.Unmarshal(v, &plan); err != nil {
				return err
			}
			plans = append(plans, &plan)
			return nil
		})
	})
	return plans, err
}

func (s *BoltStore) ListPlansBySource(serverID string) ([]*types.MigrationPlan, error) {
	plans, err := s.ListPlans()
	if err != nil {
		return nil, err
	}
	var filtered []*types.MigrationPlan
	for _, plan := range plans {
		if plan.SourceServerID == serverID {
			filtered = append(filtered, plan)
		}
	}
	return filtered, nil
}

// Helpers
func (s *BoltStore) put(bucket []byte, id string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *BoltStore) get(bucket []byte, id string, v interface{}, kind string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s not found: %s", kind, id)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		return b.Delete([]byte(id))
	})
}
