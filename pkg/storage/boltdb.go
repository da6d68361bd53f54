package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/crucible/pkg/errdefs"
	"github.com/cuemby/crucible/pkg/types"
)

var (
	// Bucket names
	bucketTasks  = []byte("tasks")
	bucketQueues = []byte("queues")
)

// statusRank orders the broker state vocabulary so updates stay
// monotonic: the only ordering is non-ready below ready. Non-ready
// states replace each other freely (a retrying task moves STARTED back
// to RETRY), and a ready state is frozen.
var statusRank = map[types.TaskStatus]int{
	types.StatusNew:     0,
	types.StatusPending: 0,
	types.StatusRetry:   0,
	types.StatusStarted: 0,
	types.StatusSuccess: 1,
	types.StatusFailure: 1,
	types.StatusRevoked: 1,
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "crucible.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketQueues} {
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

// CreateTask inserts a new task record, refusing task_id reuse.
func (s *BoltStore) CreateTask(task *types.TaskRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if existing := b.Get([]byte(task.TaskID)); existing != nil {
			return fmt.Errorf("task already exists: %s", task.TaskID)
		}
		if task.CreatedAt.IsZero() {
			task.CreatedAt = time.Now().UTC()
		}
		task.UpdatedAt = task.CreatedAt
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.TaskID), data)
	})
}

// GetTask retrieves a task record by task_id.
func (s *BoltStore) GetTask(taskID string) (*types.TaskRecord, error) {
	var task types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("task not found: %s", taskID)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTaskStatus advances a task's status. Writing an older state over
// a newer one, or touching a frozen terminal state, is refused.
func (s *BoltStore) UpdateTaskStatus(taskID string, status types.TaskStatus) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("task not found: %s", taskID)
		}
		var task types.TaskRecord
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.Status.IsReady() {
			return fmt.Errorf("task %s is terminal (%s), refusing %s", taskID, task.Status, status)
		}
		if statusRank[status] < statusRank[task.Status] {
			return fmt.Errorf("task %s status regression %s -> %s", taskID, task.Status, status)
		}
		task.Status = status
		task.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put([]byte(taskID), updated)
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindDBUpdate, "status update failed", err)
	}
	return nil
}

// SetTaskDuration records the task's measured duration.
func (s *BoltStore) SetTaskDuration(taskID string, seconds float64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("task not found: %s", taskID)
		}
		var task types.TaskRecord
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		task.TaskDuration = seconds
		task.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put([]byte(taskID), updated)
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindDBUpdate, "duration update failed", err)
	}
	return nil
}

// ListTasks returns all task records.
func (s *BoltStore) ListTasks() ([]*types.TaskRecord, error) {
	var tasks []*types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.TaskRecord
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

// ListUnfinishedTasks returns tasks whose status is not in the ready set.
func (s *BoltStore) ListUnfinishedTasks() ([]*types.TaskRecord, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var unfinished []*types.TaskRecord
	for _, task := range tasks {
		if !task.Status.IsReady() {
			unfinished = append(unfinished, task)
		}
	}
	return unfinished, nil
}

// UpsertQueue creates or replaces a queue record keyed by name.
func (s *BoltStore) UpsertQueue(queue *types.Queue) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueues)
		data, err := json.Marshal(queue)
		if err != nil {
			return err
		}
		return b.Put([]byte(queue.Name), data)
	})
}

// ListQueues returns all queue records.
func (s *BoltStore) ListQueues() ([]*types.Queue, error) {
	var queues []*types.Queue
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueues)
		return b.ForEach(func(k, v []byte) error {
			var queue types.Queue
			if err := json.Unmarshal(v, &queue); err != nil {
				return err
			}
			queues = append(queues, &queue)
			return nil
		})
	})
	return queues, err
}
