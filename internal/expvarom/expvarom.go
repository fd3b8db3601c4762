// Package expvarom exports expvar-style counters and maps in a form that is
// also readable as OpenMetrics/Prometheus text, so the monitoring HTTP
// server can serve both /debug/vars (expvar) and a Prometheus scrape
// endpoint from the same counters.
package expvarom

import (
	"bytes"
	"expvar"
	"fmt"
	"sort"
	"sync"
)

// all tracks every metric registered through this package, so the
// monitoring server can render them as OpenMetrics text on demand.
var (
	mu  sync.Mutex
	all []metric
)

type metric interface {
	name() string
	help() string
	writeOpenMetrics(w *bytes.Buffer)
}

// Int is a monotonically-increasing (or arbitrarily set) integer counter,
// registered both as an expvar.Int and as an OpenMetrics gauge/counter.
type Int struct {
	expvar.Int
	Name string
	Help string
}

// NewInt creates, registers and returns a new Int counter.
func NewInt(name, help string) *Int {
	i := &Int{Name: name, Help: help}
	expvar.Publish(name, &i.Int)
	register(i)
	return i
}

func (i *Int) name() string { return i.Name }
func (i *Int) help() string { return i.Help }

func (i *Int) writeOpenMetrics(w *bytes.Buffer) {
	fmt.Fprintf(w, "# HELP %s %s\n", metricName(i.Name), i.Help)
	fmt.Fprintf(w, "# TYPE %s counter\n", metricName(i.Name))
	fmt.Fprintf(w, "%s %d\n", metricName(i.Name), i.Int.Value())
}

// Map is a labelled counter, like expvar.Map, exported with a single label
// name (the OpenMetrics convention chasquid follows for per-result/per-code
// counters).
type Map struct {
	expvar.Map
	Name      string
	LabelName string
	Help      string
}

// NewMap creates, registers and returns a new labelled counter map.
func NewMap(name, labelName, help string) *Map {
	m := &Map{Name: name, LabelName: labelName, Help: help}
	m.Map.Init()
	expvar.Publish(name, &m.Map)
	register(m)
	return m
}

func (m *Map) name() string { return m.Name }
func (m *Map) help() string { return m.Help }

func (m *Map) writeOpenMetrics(w *bytes.Buffer) {
	fmt.Fprintf(w, "# HELP %s %s\n", metricName(m.Name), m.Help)
	fmt.Fprintf(w, "# TYPE %s counter\n", metricName(m.Name))

	var keys []string
	m.Map.Do(func(kv expvar.KeyValue) {
		keys = append(keys, kv.Key)
	})
	sort.Strings(keys)

	for _, k := range keys {
		v := m.Map.Get(k)
		fmt.Fprintf(w, "%s{%s=%q} %s\n", metricName(m.Name), m.LabelName, k, v.String())
	}
}

func register(m metric) {
	mu.Lock()
	defer mu.Unlock()
	all = append(all, m)
}

// WriteOpenMetrics renders every registered metric in OpenMetrics text
// exposition format.
func WriteOpenMetrics(w *bytes.Buffer) {
	mu.Lock()
	defer mu.Unlock()
	for _, m := range all {
		m.writeOpenMetrics(w)
	}
}

// metricName turns chasquid's expvar-style "chasquid/queue/putCount" names
// into OpenMetrics-safe identifiers.
func metricName(s string) string {
	b := make([]byte, 0, len(s))
	for _, c := range []byte(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b = append(b, c)
		default:
			b = append(b, '_')
		}
	}
	return string(b)
}
