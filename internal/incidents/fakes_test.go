package incidents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"threatdesk/internal/reasoning"
)

type memRepo struct {
	mu    sync.Mutex
	items map[string]*Incident
	seq   int

	createErr    error
	countErr     error
	getErr       error
	updateErr    error
	beforeCreate func()
	beforeUpdate func(id string)

	creates int
	updates int
}

func newMemRepo() *memRepo {
	return &memRepo{items: map[string]*Incident{}}
}

// seed stores inc as if it had been created at inc.CreatedAt.
func (m *memRepo) seed(inc *Incident) *Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	cp := inc.Clone()
	if cp.ID == "" {
		cp.ID = fmt.Sprintf("inc-%d", m.seq)
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	m.items[cp.ID] = cp
	return cp.Clone()
}

func (m *memRepo) Create(ctx context.Context, inc *Incident) error {
	if m.beforeCreate != nil {
		hook := m.beforeCreate
		m.beforeCreate = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.seq++
	m.creates++
	inc.ID = fmt.Sprintf("inc-%d", m.seq)
	inc.Version = 1
	m.items[inc.ID] = inc.Clone()
	return nil
}

func (m *memRepo) Get(ctx context.Context, id string) (*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	inc, ok := m.items[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	return inc.Clone(), nil
}

func (m *memRepo) Update(ctx context.Context, inc *Incident, expectedVersion int64) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate(inc.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	cur, ok := m.items[inc.ID]
	if !ok {
		return ErrIncidentNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.updates++
	inc.Version = expectedVersion + 1
	m.items[inc.ID] = inc.Clone()
	return nil
}

// bump simulates a concurrent writer.
func (m *memRepo) bump(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id].Version++
}

func (m *memRepo) CountSimilar(ctx context.Context, sourceIP, threatType string, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	n := 0
	for _, inc := range m.items {
		if inc.SourceIP == sourceIP && inc.ThreatType == threatType &&
			!inc.CreatedAt.Before(from) && inc.CreatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) List(ctx context.Context, f ListFilter) ([]Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := []Incident{}
	for _, inc := range m.items {
		if f.matches(inc) {
			res = append(res, *inc.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if limit := listLimit(f.Limit); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *memRepo) SeverityCounts(ctx context.Context) (map[Severity]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[Severity]int{}
	for _, inc := range m.items {
		out[inc.Severity]++
	}
	return out, nil
}

func (m *memRepo) all() []*Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Incident, 0, len(m.items))
	for _, inc := range m.items {
		out = append(out, inc.Clone())
	}
	return out
}

type fakeReasoner struct {
	mu      sync.Mutex
	outputs map[reasoning.Kind]string
	err     error
	calls   map[reasoning.Kind]int
	inputs  map[reasoning.Kind]reasoning.Context
}

func newFakeReasoner() *fakeReasoner {
	return &fakeReasoner{
		outputs: map[reasoning.Kind]string{
			reasoning.KindInitialAnalysis:   `{"summary":"credential theft","impact":"domain compromise","remediation":["isolate host","rotate credentials"],"severity":"Critical"}`,
			reasoning.KindDeepInvestigation: `{"attack_path_analysis":"phishing to lsass dump","containment_strategy":"isolate host","risk_if_ignored":"lateral spread"}`,
			reasoning.KindClosureReport:     `{"executive_summary":"contained","response_actions_taken":"host isolated","residual_risk":"low","lessons_learned":"enable credential guard"}`,
		},
		calls:  map[reasoning.Kind]int{},
		inputs: map[reasoning.Kind]reasoning.Context{},
	}
}

func (f *fakeReasoner) Generate(ctx context.Context, kind reasoning.Kind, input reasoning.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[kind]++
	f.inputs[kind] = input
	if f.err != nil {
		return nil, f.err
	}
	out, ok := f.outputs[kind]
	if !ok {
		return nil, reasoning.ErrUnavailable
	}
	return json.RawMessage(out), nil
}

func (f *fakeReasoner) callCount(kind reasoning.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

type memClaimer struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	released []string
}

func newMemClaimer() *memClaimer {
	return &memClaimer{held: map[string]bool{}}
}

func (c *memClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if c.held[key] {
		return false, nil
	}
	c.held[key] = true
	return true, nil
}

func (c *memClaimer) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, key)
	c.released = append(c.released, key)
	return nil
}

var errStoreDown = errors.New("connection refused")
