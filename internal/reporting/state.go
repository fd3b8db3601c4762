package reporting

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"blitiri.com.ar/go/chasquid/internal/safeio"
)

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// persistedState is the on-disk shape of a Manager's in-progress bucket
// windows, so a restart doesn't silently reset every aggregation window
// back to "just started". It only tracks window start times and rua
// destinations, not the accumulated rows: a restart loses in-flight
// counts (acceptable per spec, since DSNs/delivery itself is durable
// through the queue, not reporting) but keeps window boundaries stable.
type persistedState struct {
	DMARCWindows []dmarcWindowState `yaml:"dmarc_windows"`
	TLSWindows   []tlsWindowState   `yaml:"tls_windows"`
}

type dmarcWindowState struct {
	Domain      string   `yaml:"domain"`
	Fingerprint string   `yaml:"fingerprint"`
	RUA         []string `yaml:"rua"`
	BeginUnix   int64    `yaml:"begin_unix"`
}

type tlsWindowState struct {
	Domain    string   `yaml:"domain"`
	RUA       []string `yaml:"rua"`
	BeginUnix int64    `yaml:"begin_unix"`
}

// SaveState serializes the current set of open bucket windows to path, so
// they can be restored with LoadState after a restart.
func (m *Manager) SaveState(path string) error {
	m.mu.Lock()
	var st persistedState
	for _, b := range m.dmarc {
		st.DMARCWindows = append(st.DMARCWindows, dmarcWindowState{
			Domain: b.domain, Fingerprint: b.fingerprint,
			RUA: b.rua, BeginUnix: b.begin.Unix(),
		})
	}
	for _, b := range m.tls {
		st.TLSWindows = append(st.TLSWindows, tlsWindowState{
			Domain: b.domain, RUA: b.rua, BeginUnix: b.begin.Unix(),
		})
	}
	m.mu.Unlock()

	raw, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	return safeio.WriteFile(path, raw, 0600)
}

// LoadState restores open bucket windows from a file written by SaveState.
// A missing file is not an error: it just means starting with no open
// windows, as on first run.
func (m *Manager) LoadState(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var st persistedState
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range st.DMARCWindows {
		k := bucketKey{w.Domain, w.Fingerprint}
		m.dmarc[k] = &dmarcBucket{
			domain: w.Domain, fingerprint: w.Fingerprint,
			rua: w.RUA, begin: unixTime(w.BeginUnix),
		}
	}
	for _, w := range st.TLSWindows {
		m.tls[w.Domain] = &tlsBucket{
			domain: w.Domain, rua: w.RUA, begin: unixTime(w.BeginUnix),
		}
	}
	return nil
}
