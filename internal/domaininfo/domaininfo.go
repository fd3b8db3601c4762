// Package domaininfo implements a domain information database, to keep track
// of things we know about a particular domain, such as the highest TLS
// security level we have seen used with it so far. This is used to detect
// and prevent TLS downgrade attacks on both incoming and outgoing SMTP
// connections.
package domaininfo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"blitiri.com.ar/go/chasquid/internal/safeio"
	"blitiri.com.ar/go/chasquid/internal/trace"
)

// filePrefix is prepended to the domain name to build the on-disk file
// name, so the directory can coexist with other kinds of entries.
const filePrefix = "s:"

// SecLevel represents the security level of a connection (SMTP+TLS) to/from
// a particular domain.
type SecLevel int

// Security levels, in increasing order (the zero value is the least
// secure, so a never-seen domain starts at the bottom).
const (
	SecLevel_PLAIN SecLevel = iota
	SecLevel_TLS_INSECURE

	// SecLevel_TLS_CLIENT is used for incoming connections that used
	// STARTTLS, where we have no way of assessing certificate validity
	// against a specific expectation (we accept any cert to maximize
	// opportunistic encryption), so it sits between INSECURE and SECURE.
	SecLevel_TLS_CLIENT
	SecLevel_TLS_SECURE
)

func (l SecLevel) String() string {
	switch l {
	case SecLevel_PLAIN:
		return "PLAIN"
	case SecLevel_TLS_INSECURE:
		return "TLS_INSECURE"
	case SecLevel_TLS_CLIENT:
		return "TLS_CLIENT"
	case SecLevel_TLS_SECURE:
		return "TLS_SECURE"
	default:
		return "UNKNOWN"
	}
}

// Domain holds what we know about a single domain.
type Domain struct {
	Name             string
	IncomingSecLevel SecLevel
	OutgoingSecLevel SecLevel
}

// DB represents the persistent domain information database.
type DB struct {
	dir string

	info map[string]*Domain
	sync.Mutex
}

// New opens a domain information database on the given dir, creating it if
// necessary. The returned database will be loaded already.
func New(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	db := &DB{
		dir:  dir,
		info: map[string]*Domain{},
	}

	if err := db.Reload(); err != nil {
		return nil, err
	}

	return db, nil
}

func (db *DB) path(domain string) string {
	return filepath.Join(db.dir, filePrefix+domain)
}

// Reload the database from disk.
func (db *DB) Reload() error {
	tr := trace.New("DomainInfo.Reload", "reload")
	defer tr.Finish()

	db.Lock()
	defer db.Unlock()

	entries, err := os.ReadDir(db.dir)
	if err != nil {
		tr.Error(err)
		return err
	}

	info := map[string]*Domain{}
	for _, entry := range entries {
		name := entry.Name()
		if len(name) <= len(filePrefix) || name[:len(filePrefix)] != filePrefix {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(db.dir, name))
		if err != nil {
			tr.Errorf("%q: %v", name, err)
			return fmt.Errorf("error loading %q: %v", name, err)
		}

		d := &Domain{}
		if err := json.Unmarshal(raw, d); err != nil {
			tr.Errorf("%q: %v", name, err)
			return fmt.Errorf("error loading %q: %v", name, err)
		}

		info[d.Name] = d
	}

	db.info = info
	tr.Debugf("loaded %d domains", len(info))
	return nil
}

// write saves d to disk, atomically.
func (db *DB) write(tr *trace.Trace, d *Domain) error {
	tr = tr.NewChild("DomainInfo.write", d.Name)
	defer tr.Finish()

	raw, err := json.Marshal(d)
	if err != nil {
		tr.Error(err)
		return err
	}

	err = safeio.WriteFile(db.path(d.Name), raw, 0600)
	if err != nil {
		tr.Error(err)
		return err
	}

	tr.Debugf("saved")
	return nil
}

// Clear resets a domain's information back to defaults (PLAIN on both
// directions). Returns whether the domain was known.
func (db *DB) Clear(tr *trace.Trace, domain string) bool {
	tr = tr.NewChild("DomainInfo.Clear", domain)
	defer tr.Finish()

	db.Lock()
	defer db.Unlock()

	_, exists := db.info[domain]
	if !exists {
		return false
	}

	d := &Domain{Name: domain}
	db.info[domain] = d
	db.write(tr, d)
	return true
}

// IncomingSecLevel checks an incoming security level for the domain.
// Returns true if allowed, false otherwise.
func (db *DB) IncomingSecLevel(tr *trace.Trace, domain string, level SecLevel) bool {
	tr = tr.NewChild("DomainInfo.Incoming", domain)
	defer tr.Finish()
	tr.Debugf("incoming at level %s", level)

	db.Lock()
	defer db.Unlock()

	d, exists := db.info[domain]
	if !exists {
		d = &Domain{Name: domain}
		db.info[domain] = d
		defer db.write(tr, d)
	}

	if level < d.IncomingSecLevel {
		tr.Errorf("%s incoming denied: %s < %s",
			d.Name, level, d.IncomingSecLevel)
		return false
	} else if level == d.IncomingSecLevel {
		tr.Debugf("%s incoming allowed: %s == %s",
			d.Name, level, d.IncomingSecLevel)
		return true
	} else {
		tr.Printf("%s incoming level raised: %s > %s",
			d.Name, level, d.IncomingSecLevel)
		d.IncomingSecLevel = level
		if exists {
			defer db.write(tr, d)
		}
		return true
	}
}

// OutgoingSecLevel checks an outgoing security level for the domain.
// Returns true if allowed, false otherwise.
func (db *DB) OutgoingSecLevel(tr *trace.Trace, domain string, level SecLevel) bool {
	tr = tr.NewChild("DomainInfo.Outgoing", domain)
	defer tr.Finish()
	tr.Debugf("outgoing at level %s", level)

	db.Lock()
	defer db.Unlock()

	d, exists := db.info[domain]
	if !exists {
		d = &Domain{Name: domain}
		db.info[domain] = d
		defer db.write(tr, d)
	}

	if level < d.OutgoingSecLevel {
		tr.Errorf("%s outgoing denied: %s < %s",
			d.Name, level, d.OutgoingSecLevel)
		return false
	} else if level == d.OutgoingSecLevel {
		tr.Debugf("%s outgoing allowed: %s == %s",
			d.Name, level, d.OutgoingSecLevel)
		return true
	} else {
		tr.Printf("%s outgoing level raised: %s > %s",
			d.Name, level, d.OutgoingSecLevel)
		d.OutgoingSecLevel = level
		if exists {
			defer db.write(tr, d)
		}
		return true
	}
}
