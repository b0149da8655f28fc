// crio_stress drives a database with a concurrent insert/search workload,
// verifies the result with a range scan and tuple checks, and reports buffer
// pool and disk traffic.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"crio/pkg/config"
	"crio/pkg/database"
)

const tableID = 1
const indexID = 1

// tuplePayload derives a deterministic, variable-length payload for a key so
// the verify pass can recompute what every tuple should hold.
func tuplePayload(key int32, salt uint64) []byte {
	size := 32 + int(uint32(key)%96)
	payload := make([]byte, size)
	digest := xxhash.Sum64String(fmt.Sprintf("%d:%d", salt, key))
	for i := range payload {
		payload[i] = byte(digest >> (8 * (uint(i) % 8)))
	}
	return payload
}

func main() {
	var dirFlag = flag.String("dir", "", "database directory (default: fresh temp dir)")
	var configFlag = flag.String("config", "", "INI config file")
	var nFlag = flag.Int("n", 4, "number of concurrent workers")
	var keysFlag = flag.Int("keys", 10000, "number of keys to insert")
	var verifyFlag = flag.Bool("verify", true, "verify tree structure and tuple contents at the end")
	flag.Parse()

	cfg := config.Default()
	if *configFlag != "" {
		var err error
		if cfg, err = config.Load(*configFlag); err != nil {
			log.WithError(err).Fatal("loading config")
		}
	}

	runID := uuid.New()
	dir := *dirFlag
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "crio_stress_"+runID.String())
		defer os.RemoveAll(dir)
	}
	log.WithFields(log.Fields{"run": runID, "dir": dir, "keys": *keysFlag}).
		Info("starting stress run")

	db, err := database.Open(dir, cfg)
	if err != nil {
		log.WithError(err).Fatal("opening database")
	}
	defer db.Close()

	table, err := db.CreateTable(tableID)
	if err != nil {
		log.WithError(err).Fatal("creating table")
	}
	index, err := db.CreateIndex(indexID)
	if err != nil {
		log.WithError(err).Fatal("creating index")
	}

	salt := xxhash.Sum64String(runID.String())
	keys := rand.Perm(*keysFlag)
	var searches atomic.Uint64

	var g errgroup.Group
	for w := 0; w < *nFlag; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(keys); i += *nFlag {
				key := int32(keys[i])
				rid, err := table.Insert(tuplePayload(key, salt))
				if err != nil {
					return fmt.Errorf("insert key %d: %w", key, err)
				}
				if err := index.Insert(key, rid); err != nil {
					return fmt.Errorf("index key %d: %w", key, err)
				}
				// Mix point lookups into the write stream.
				if i%7 == 0 {
					if _, err := index.Search(key); err != nil {
						return fmt.Errorf("search key %d: %w", key, err)
					}
					searches.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("workload failed")
	}

	if *verifyFlag {
		if err := index.Verify(); err != nil {
			log.WithError(err).Fatal("tree verification failed")
		}
		entries, err := index.RangeScan(0, int32(*keysFlag-1))
		if err != nil {
			log.WithError(err).Fatal("range scan failed")
		}
		if len(entries) != *keysFlag {
			log.Fatalf("expected %d entries, scanned %d", *keysFlag, len(entries))
		}
		for _, e := range entries {
			tuple, err := table.Get(e.RID)
			if err != nil {
				log.WithError(err).Fatalf("fetching tuple for key %d", e.Key)
			}
			want := tuplePayload(e.Key, salt)
			if xxhash.Sum64(tuple) != xxhash.Sum64(want) {
				log.Fatalf("tuple mismatch for key %d at %s", e.Key, e.RID)
			}
		}
		log.Info("verification passed")
	}

	stats := db.Pool().Stats()
	log.WithFields(log.Fields{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"evictions":   stats.Evictions,
		"disk_reads":  db.DiskManager().Reads(),
		"disk_writes": db.DiskManager().Writes(),
		"searches":    searches.Load(),
	}).Info("stress run finished")
}
