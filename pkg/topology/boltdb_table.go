package topology

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/skycoin/skycoin/src/util/logging"
	"go.etcd.io/bbolt"

	"github.com/meshnode/meshnode/pkg/packet"
)

var boltDBBucket = []byte("routes")

var errIterationStopped = errors.New("iteration stopped")

var log = logging.MustGetLogger("topology")

// boltDBTable implements Table on top of BoltDB, surviving node restarts.
type boltDBTable struct {
	db *bbolt.DB
}

// BoltDBTable opens (creating if needed) a BoltDB-backed Table at path.
func BoltDBTable(path string) (Table, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltDBBucket); err != nil {
			return fmt.Errorf("failed to create bucket: %s", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &boltDBTable{db: db}, nil
}

func (t *boltDBTable) AddRoute(hops []packet.NodeID) (uuid.UUID, error) {
	if len(hops) == 0 {
		return uuid.UUID{}, ErrMalformedRoute
	}

	route := Route{
		ID:          uuid.New(),
		Destination: hops[len(hops)-1],
		Hops:        append([]packet.NodeID(nil), hops...),
	}

	err := t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltDBBucket)

		var existing *Route
		err := b.ForEach(func(_, v []byte) error {
			var r Route
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if equalHops(r.Hops, hops) {
				existing = &r
			}
			return nil
		})
		if err != nil {
			return err
		}
		if existing != nil {
			route = *existing
			return nil
		}

		raw, err := json.Marshal(route)
		if err != nil {
			return err
		}
		return b.Put(route.ID[:], raw)
	})
	if err != nil {
		return uuid.UUID{}, err
	}
	return route.ID, nil
}

func (t *boltDBTable) Routes(destination packet.NodeID) ([]Route, error) {
	var routes []Route
	err := t.RangeRoutes(func(r Route) bool {
		if r.Destination == destination {
			routes = append(routes, r)
		}
		return true
	})
	return routes, err
}

func (t *boltDBTable) AllRoutes() ([]Route, error) {
	routes := make([]Route, 0)
	err := t.RangeRoutes(func(r Route) bool {
		routes = append(routes, r)
		return true
	})
	return routes, err
}

func (t *boltDBTable) DeleteRoutes(ids ...uuid.UUID) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltDBBucket)
		for _, id := range ids {
			if err := b.Delete(id[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *boltDBTable) RangeRoutes(rangeFunc RangeFunc) error {
	err := t.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltDBBucket)
		return b.ForEach(func(_, v []byte) error {
			var r Route
			if err := json.Unmarshal(v, &r); err != nil {
				log.Warnf("skipping malformed route entry: %s", err)
				return nil
			}
			if !rangeFunc(r) {
				return errIterationStopped
			}
			return nil
		})
	})
	if err == errIterationStopped {
		return nil
	}
	return err
}

func (t *boltDBTable) Count() int {
	count := 0
	err := t.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(boltDBBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		log.Warn(err)
	}
	return count
}

func (t *boltDBTable) Close() error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}
