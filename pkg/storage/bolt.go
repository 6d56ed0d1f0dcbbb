package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/types"
)

var (
	bucketNodes           = []byte("nodes")
	bucketPacks           = []byte("packs")
	bucketPods            = []byte("pods")
	bucketWorkloads       = []byte("workloads")
	bucketNamespaces      = []byte("namespaces")
	bucketPriorityClasses = []byte("priority_classes")
)

// BoltAdapter implements Adapter on a local bbolt file. One bucket per
// entity kind, JSON values keyed by record id.
type BoltAdapter struct {
	db *bolt.DB
}

// NewBoltAdapter opens (or creates) the database under dataDir.
func NewBoltAdapter(dataDir string) (*BoltAdapter, error) {
	dbPath := filepath.Join(dataDir, "stevedore.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errdefs.BackendUnavailable(fmt.Errorf("open database: %w", err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketPacks,
			bucketPods,
			bucketWorkloads,
			bucketNamespaces,
			bucketPriorityClasses,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errdefs.BackendUnavailable(err)
	}

	return &BoltAdapter{db: db}, nil
}

// Close closes the database.
func (a *BoltAdapter) Close() error {
	return a.db.Close()
}

// create inserts a record, rejecting duplicates with a conflict error.
func (a *BoltAdapter) create(bucket []byte, kind, id string, v any) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) != nil {
			return errdefs.Conflict("%s %q already exists", kind, id)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	return classify(err)
}

// update overwrites an existing record, rejecting missing ones.
func (a *BoltAdapter) update(bucket []byte, kind, id string, v any) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) == nil {
			return errdefs.NotFound(kind, id)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	return classify(err)
}

func (a *BoltAdapter) get(bucket []byte, kind, id string, out any) error {
	err := a.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound(kind, id)
		}
		return json.Unmarshal(data, out)
	})
	return classify(err)
}

func (a *BoltAdapter) delete(bucket []byte, id string) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
	return classify(err)
}

func each(tx *bolt.Tx, bucket []byte, fn func(v []byte) error) error {
	return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
		return fn(v)
	})
}

// classify wraps raw bolt failures as backend-unavailable while passing
// through errors that already carry a classification.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.Code(err) != errdefs.CodeInternal {
		return err
	}
	return errdefs.BackendUnavailable(err)
}

// Node operations

func (a *BoltAdapter) CreateNode(node *types.Node) error {
	return a.create(bucketNodes, "node", node.ID, node)
}

func (a *BoltAdapter) GetNode(id string) (*types.Node, error) {
	var node types.Node
	if err := a.get(bucketNodes, "node", id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (a *BoltAdapter) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := a.db.View(func(tx *bolt.Tx) error {
		return each(tx, bucketNodes, func(v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, classify(err)
}

func (a *BoltAdapter) UpdateNode(node *types.Node) error {
	return a.update(bucketNodes, "node", node.ID, node)
}

func (a *BoltAdapter) DeleteNode(id string) error {
	return a.delete(bucketNodes, id)
}

// Pack operations

func (a *BoltAdapter) CreatePack(pack *types.Pack) error {
	return a.create(bucketPacks, "pack", pack.ID, pack)
}

func (a *BoltAdapter) GetPack(id string) (*types.Pack, error) {
	var pack types.Pack
	if err := a.get(bucketPacks, "pack", id, &pack); err != nil {
		return nil, err
	}
	return &pack, nil
}

func (a *BoltAdapter) ListPacks() ([]*types.Pack, error) {
	var packs []*types.Pack
	err := a.db.View(func(tx *bolt.Tx) error {
		return each(tx, bucketPacks, func(v []byte) error {
			var pack types.Pack
			if err := json.Unmarshal(v, &pack); err != nil {
				return err
			}
			packs = append(packs, &pack)
			return nil
		})
	})
	return packs, classify(err)
}

func (a *BoltAdapter) UpdatePack(pack *types.Pack) error {
	return a.update(bucketPacks, "pack", pack.ID, pack)
}

func (a *BoltAdapter) DeletePack(id string) error {
	return a.delete(bucketPacks, id)
}

// Pod operations

func (a *BoltAdapter) CreatePod(pod *types.Pod) error {
	return a.create(bucketPods, "pod", pod.ID, pod)
}

func (a *BoltAdapter) GetPod(id string) (*types.Pod, error) {
	var pod types.Pod
	if err := a.get(bucketPods, "pod", id, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

func (a *BoltAdapter) ListPods() ([]*types.Pod, error) {
	var pods []*types.Pod
	err := a.db.View(func(tx *bolt.Tx) error {
		return each(tx, bucketPods, func(v []byte) error {
			var pod types.Pod
			if err := json.Unmarshal(v, &pod); err != nil {
				return err
			}
			pods = append(pods, &pod)
			return nil
		})
	})
	return pods, classify(err)
}

func (a *BoltAdapter) UpdatePod(pod *types.Pod) error {
	return a.update(bucketPods, "pod", pod.ID, pod)
}

func (a *BoltAdapter) DeletePod(id string) error {
	return a.delete(bucketPods, id)
}

// Workload operations

func (a *BoltAdapter) CreateWorkload(w *types.Workload) error {
	return a.create(bucketWorkloads, "workload", w.ID, w)
}

func (a *BoltAdapter) GetWorkload(id string) (*types.Workload, error) {
	var w types.Workload
	if err := a.get(bucketWorkloads, "workload", id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (a *BoltAdapter) ListWorkloads() ([]*types.Workload, error) {
	var workloads []*types.Workload
	err := a.db.View(func(tx *bolt.Tx) error {
		return each(tx, bucketWorkloads, func(v []byte) error {
			var w types.Workload
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workloads = append(workloads, &w)
			return nil
		})
	})
	return workloads, classify(err)
}

func (a *BoltAdapter) UpdateWorkload(w *types.Workload) error {
	return a.update(bucketWorkloads, "workload", w.ID, w)
}

func (a *BoltAdapter) DeleteWorkload(id string) error {
	return a.delete(bucketWorkloads, id)
}

// Namespace operations

func (a *BoltAdapter) CreateNamespace(ns *types.Namespace) error {
	return a.create(bucketNamespaces, "namespace", ns.Name, ns)
}

func (a *BoltAdapter) GetNamespace(name string) (*types.Namespace, error) {
	var ns types.Namespace
	if err := a.get(bucketNamespaces, "namespace", name, &ns); err != nil {
		return nil, err
	}
	return &ns, nil
}

func (a *BoltAdapter) ListNamespaces() ([]*types.Namespace, error) {
	var namespaces []*types.Namespace
	err := a.db.View(func(tx *bolt.Tx) error {
		return each(tx, bucketNamespaces, func(v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			namespaces = append(namespaces, &ns)
			return nil
		})
	})
	return namespaces, classify(err)
}

func (a *BoltAdapter) UpdateNamespace(ns *types.Namespace) error {
	return a.update(bucketNamespaces, "namespace", ns.Name, ns)
}

func (a *BoltAdapter) DeleteNamespace(name string) error {
	return a.delete(bucketNamespaces, name)
}

// Priority class operations

func (a *BoltAdapter) CreatePriorityClass(pc *types.PriorityClass) error {
	return a.create(bucketPriorityClasses, "priority class", pc.Name, pc)
}

func (a *BoltAdapter) GetPriorityClass(name string) (*types.PriorityClass, error) {
	var pc types.PriorityClass
	if err := a.get(bucketPriorityClasses, "priority class", name, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

func (a *BoltAdapter) ListPriorityClasses() ([]*types.PriorityClass, error) {
	var classes []*types.PriorityClass
	err := a.db.View(func(tx *bolt.Tx) error {
		return each(tx, bucketPriorityClasses, func(v []byte) error {
			var pc types.PriorityClass
			if err := json.Unmarshal(v, &pc); err != nil {
				return err
			}
			classes = append(classes, &pc)
			return nil
		})
	})
	return classes, classify(err)
}
