package state

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"zen/internal/api"
	"zen/pkg/logging"
)

// Key layout:
//
//	instance/<user>/<app>   -> Instance
//	port/<app>/<user>       -> port number
//	portidx/<app>/<port>    -> user (enforces the per-app bijection)
//	user/<name>             -> UserRecord
//	op/<nanots>/<uuid>      -> OperationRecord
const (
	prefixInstance = "instance/"
	prefixPort     = "port/"
	prefixPortIdx  = "portidx/"
	prefixUser     = "user/"
	prefixOp       = "op/"
)

// Store is the persistent record of users, instances, port allocations and
// operations, backed by an embedded Badger database. All writes are
// transactional at the row level.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) the state database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, api.WrapError(api.KindStateStoreError, err, "opening state store at %s", path)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func instanceKey(user, app string) []byte {
	return []byte(prefixInstance + user + "/" + app)
}

func portKey(app, user string) []byte {
	return []byte(prefixPort + app + "/" + user)
}

func portIdxKey(app string, port int) []byte {
	return []byte(fmt.Sprintf("%s%s/%05d", prefixPortIdx, app, port))
}

// GetInstance returns the instance for (user, app), or nil when none is
// recorded.
func (s *Store) GetInstance(user, app string) (*Instance, error) {
	var inst *Instance
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(instanceKey(user, app))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			inst = &Instance{}
			return json.Unmarshal(val, inst)
		})
	})
	if err != nil {
		return nil, api.WrapError(api.KindStateStoreError, err, "reading instance %s/%s", user, app)
	}
	return inst, nil
}

// UpsertInstance writes the instance row, stamping UpdatedAt (and CreatedAt
// on first write).
func (s *Store) UpsertInstance(inst *Instance) error {
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	data, err := json.Marshal(inst)
	if err != nil {
		return api.WrapError(api.KindStateStoreError, err, "encoding instance %s/%s", inst.User, inst.App)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(instanceKey(inst.User, inst.App), data)
	})
	if err != nil {
		return api.WrapError(api.KindStateStoreError, err, "writing instance %s/%s", inst.User, inst.App)
	}
	return nil
}

// DeleteInstance removes the instance row.
func (s *Store) DeleteInstance(user, app string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(instanceKey(user, app))
	})
	if err != nil {
		return api.WrapError(api.KindStateStoreError, err, "deleting instance %s/%s", user, app)
	}
	return nil
}

// ListInstances returns the instances for one user, or for every user when
// user is empty. Results are sorted by (user, app).
func (s *Store) ListInstances(user string) ([]*Instance, error) {
	prefix := prefixInstance
	if user != "" {
		prefix += user + "/"
	}

	var out []*Instance
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var inst Instance
				if err := json.Unmarshal(val, &inst); err != nil {
					return err
				}
				out = append(out, &inst)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, api.WrapError(api.KindStateStoreError, err, "listing instances")
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].App < out[j].App
	})
	return out, nil
}

// AllocatePort records (user, app) -> port. The write fails when the port is
// already recorded for another user of the same app, keeping allocations a
// bijection within one app.
func (s *Store) AllocatePort(user, app string, port int) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		idx := portIdxKey(app, port)
		item, err := txn.Get(idx)
		if err == nil {
			var holder string
			if verr := item.Value(func(val []byte) error { holder = string(val); return nil }); verr != nil {
				return verr
			}
			if holder != user {
				return fmt.Errorf("port %d already allocated to %s", port, holder)
			}
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(idx, []byte(user)); err != nil {
			return err
		}
		return txn.Set(portKey(app, user), []byte(strconv.Itoa(port)))
	})
	if err != nil {
		return api.WrapError(api.KindStateStoreError, err, "allocating port %d for %s/%s", port, user, app)
	}
	return nil
}

// AllocatedPort returns the port recorded for (user, app), and whether one
// exists.
func (s *Store) AllocatedPort(user, app string) (int, bool, error) {
	var port int
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(portKey(app, user))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			p, perr := strconv.Atoi(string(val))
			if perr != nil {
				return perr
			}
			port = p
			found = true
			return nil
		})
	})
	if err != nil {
		return 0, false, api.WrapError(api.KindStateStoreError, err, "reading port for %s/%s", user, app)
	}
	return port, found, nil
}

// FreePort removes the allocation for (user, app). Freeing an absent
// allocation is a no-op; ports are reusable afterwards.
func (s *Store) FreePort(user, app string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(portKey(app, user))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var port int
		if verr := item.Value(func(val []byte) error {
			p, perr := strconv.Atoi(string(val))
			port = p
			return perr
		}); verr != nil {
			return verr
		}
		if err := txn.Delete(portIdxKey(app, port)); err != nil {
			return err
		}
		return txn.Delete(portKey(app, user))
	})
	if err != nil {
		return api.WrapError(api.KindStateStoreError, err, "freeing port for %s/%s", user, app)
	}
	return nil
}

// PortsInUse returns every allocated port for an app, keyed by port with the
// holding user as value.
func (s *Store) PortsInUse(app string) (map[int]string, error) {
	out := map[int]string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPortIdx + app + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			port, err := strconv.Atoi(key[len(prefixPortIdx+app+"/"):])
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				out[port] = string(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, api.WrapError(api.KindStateStoreError, err, "listing ports for %s", app)
	}
	return out, nil
}

// GetUser returns the user record, or nil when the user management flow has
// not recorded one.
func (s *Store) GetUser(name string) (*UserRecord, error) {
	var rec *UserRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixUser + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &UserRecord{}
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, api.WrapError(api.KindStateStoreError, err, "reading user %s", name)
	}
	return rec, nil
}

// PutUser writes a user record. Exposed for the user management flow and
// for tests.
func (s *Store) PutUser(rec *UserRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return api.WrapError(api.KindStateStoreError, err, "encoding user %s", rec.Username)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixUser+rec.Username), data)
	})
	if err != nil {
		return api.WrapError(api.KindStateStoreError, err, "writing user %s", rec.Username)
	}
	return nil
}

// AppendOp appends an entry to the operation log. Append failures are logged
// but never surfaced; the log must not mask the operation's own outcome.
func (s *Store) AppendOp(rec OperationRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		logging.Error("StateStore", err, "Encoding operation record for %s/%s", rec.User, rec.App)
		return
	}
	key := fmt.Sprintf("%s%020d/%s", prefixOp, rec.Timestamp.UnixNano(), uuid.NewString())
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		logging.Error("StateStore", err, "Appending operation record for %s/%s", rec.User, rec.App)
	}
}

// ListOps returns up to limit operation records, oldest first. A zero limit
// returns everything.
func (s *Store) ListOps(limit int) ([]OperationRecord, error) {
	var out []OperationRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixOp)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var rec OperationRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, api.WrapError(api.KindStateStoreError, err, "listing operations")
	}
	return out, nil
}
