// Package registry implements the Service Registry: the set of live Worker
// endpoints with health status, discoverable by service name. Consul is the
// authoritative backend; a bbolt-backed local mirror absorbs transient Consul
// unavailability the way the TSS absorbs transient disk latency, so a
// Dispatcher worker-selection pass never blocks entirely on Consul being up.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
)

var bucketWorkers = []byte("workers")

// Worker is one registered Worker Runtime endpoint.
type Worker struct {
	ID             string    `json:"id"`
	Address        string    `json:"address"`
	Port           int       `json:"port"`
	TaskTypes      []string  `json:"task_types"`
	Healthy        bool      `json:"healthy"`
	LastSeen       time.Time `json:"last_seen"`
}

const serviceName = "model-forwarder"

// Registry is the SR client.
type Registry struct {
	consul *consulapi.Client
	mirror *bbolt.DB
	logger *slog.Logger
	cron   *cron.Cron
}

// Open connects to Consul at addr and opens the local mirror database at
// mirrorPath.
func Open(addr, mirrorPath string, logger *slog.Logger) (*Registry, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	db, err := bbolt.Open(mirrorPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry mirror: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWorkers)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry bucket: %w", err)
	}

	return &Registry{consul: client, mirror: db, logger: logger}, nil
}

// Close stops any running health resweep and closes the local mirror.
func (r *Registry) Close() error {
	if r.cron != nil {
		r.cron.Stop()
	}
	return r.mirror.Close()
}

// Register advertises w to Consul, tagged with its supported task types.
func (r *Registry) Register(w Worker) error {
	check := &consulapi.AgentServiceCheck{
		HTTP:                           fmt.Sprintf("http://%s:%d/health", w.Address, w.Port),
		Interval:                       "10s",
		Timeout:                        "5s",
		DeregisterCriticalServiceAfter: "1m",
	}
	reg := &consulapi.AgentServiceRegistration{
		ID:      w.ID,
		Name:    serviceName,
		Address: w.Address,
		Port:    w.Port,
		Tags:    w.TaskTypes,
		Check:   check,
	}
	if err := r.consul.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("consul register: %w", err)
	}
	return r.mirrorPut(w)
}

// Deregister removes workerID from Consul and the local mirror.
func (r *Registry) Deregister(workerID string) error {
	if err := r.consul.Agent().ServiceDeregister(workerID); err != nil {
		return fmt.Errorf("consul deregister: %w", err)
	}
	return r.mirror.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(workerID))
	})
}

// Discover returns every healthy worker advertising taskType (or every
// healthy worker if taskType is empty). Falls back to the local mirror if
// Consul cannot be reached.
func (r *Registry) Discover(taskType string) ([]Worker, error) {
	entries, _, err := r.consul.Health().Service(serviceName, taskType, true, nil)
	if err != nil {
		r.logger.Warn("registry: consul discover failed, falling back to mirror", "error", err)
		return r.discoverMirror(taskType)
	}

	workers := make([]Worker, 0, len(entries))
	for _, e := range entries {
		w := Worker{
			ID:       e.Service.ID,
			Address:  e.Service.Address,
			Port:     e.Service.Port,
			TaskTypes: e.Service.Tags,
			Healthy:  true,
			LastSeen: time.Now(),
		}
		workers = append(workers, w)
		_ = r.mirrorPut(w)
	}
	return workers, nil
}

func (r *Registry) discoverMirror(taskType string) ([]Worker, error) {
	var out []Worker
	err := r.mirror.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(_, v []byte) error {
			var w Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return nil
			}
			if taskType == "" || containsTag(w.TaskTypes, taskType) {
				out = append(out, w)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read registry mirror: %w", err)
	}
	return out, nil
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (r *Registry) mirrorPut(w Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker: %w", err)
	}
	return r.mirror.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkers).Put([]byte(w.ID), data)
	})
}

// StartHealthResweep periodically re-pulls Consul's service health and
// refreshes the local mirror, so Discover's fallback path stays reasonably
// current even between live lookups.
func (r *Registry) StartHealthResweep(spec string) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(spec, func() {
		if _, err := r.Discover(""); err != nil {
			r.logger.Warn("registry: health resweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule health resweep: %w", err)
	}
	r.cron.Start()
	return nil
}
