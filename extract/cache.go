package extract

import (
	"strings"

	"github.com/minios-linux/protoloc/lockfile"
)

// Cache lets unchanged documents reuse the units of a previous run.
// Lookup may be called from several goroutines; Store is only called from
// the reduction.
type Cache interface {
	// Lookup returns the previous units of document when data is unchanged.
	Lookup(document string, data []byte) ([]Unit, bool)
	// Store records the units extracted from data.
	Store(document string, data []byte, units []Unit)
}

// Incremental is a Cache backed by the lock file and the previous output.
// A document is reused when its checksum is unchanged, the extraction
// settings are unchanged, and every unit it produced last time is still
// present in the previous output.
type Incremental struct {
	lock        *lockfile.LockFile
	previous    map[string][]Unit
	fingerprint string
	valid       bool
}

// NewIncremental builds a cache from the lock file, the units read back from
// the previous output, and a fingerprint of the extraction settings.
func NewIncremental(lock *lockfile.LockFile, previous []Unit, fingerprint string) *Incremental {
	byDoc := make(map[string][]Unit)
	for _, u := range previous {
		doc := u.Document
		if doc == "" {
			doc = DocumentOf(u.Context)
		}
		if doc == "" {
			continue
		}
		byDoc[doc] = append(byDoc[doc], u)
	}
	return &Incremental{
		lock:        lock,
		previous:    byDoc,
		fingerprint: fingerprint,
		valid:       !lock.IsChanged(lockfile.TargetSettings, lockfile.SettingsKey, fingerprint),
	}
}

func unitKeys(units []Unit) string {
	ks := make([]string, len(units))
	for i, u := range units {
		ks[i] = u.Key
	}
	return strings.Join(ks, "\n")
}

// Lookup implements Cache.
func (c *Incremental) Lookup(document string, data []byte) ([]Unit, bool) {
	if !c.valid {
		return nil, false
	}
	if c.lock.IsChanged(lockfile.TargetDocuments, document, string(data)) {
		return nil, false
	}
	prev := c.previous[document]
	if c.lock.IsChanged(lockfile.TargetUnits, document, unitKeys(prev)) {
		return nil, false
	}
	return append([]Unit(nil), prev...), true
}

// Store implements Cache.
func (c *Incremental) Store(document string, data []byte, units []Unit) {
	c.lock.Update(lockfile.TargetDocuments, document, string(data))
	c.lock.Update(lockfile.TargetUnits, document, unitKeys(units))
}

// Finish records the settings fingerprint and forgets documents that no
// longer exist. Call it after a completed run, before saving the lock.
func (c *Incremental) Finish(documents []string) {
	c.lock.Update(lockfile.TargetSettings, lockfile.SettingsKey, c.fingerprint)
	c.lock.Clean(lockfile.TargetDocuments, documents)
	c.lock.Clean(lockfile.TargetUnits, documents)
}
