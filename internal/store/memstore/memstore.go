// Package memstore is an in-process implementation of store.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/store"
	"github.com/septivank/utility-billing/internal/tariff"
)

type state struct {
	meters     map[int64]db.Meter
	readings   map[int64]db.MeterReading
	providers  map[int64]bool
	tariffs    map[int64]tariff.Tariff
	configs    map[int64]db.ServiceConfiguration
	auditLogs  []db.AuditLog
	violations []db.SecurityViolation
	nextID     int64
}

func (s *state) clone() *state {
	c := &state{
		meters:     make(map[int64]db.Meter, len(s.meters)),
		readings:   make(map[int64]db.MeterReading, len(s.readings)),
		providers:  make(map[int64]bool, len(s.providers)),
		tariffs:    make(map[int64]tariff.Tariff, len(s.tariffs)),
		configs:    make(map[int64]db.ServiceConfiguration, len(s.configs)),
		auditLogs:  append([]db.AuditLog(nil), s.auditLogs...),
		violations: append([]db.SecurityViolation(nil), s.violations...),
		nextID:     s.nextID,
	}
	for k, v := range s.meters {
		c.meters[k] = v
	}
	for k, v := range s.readings {
		c.readings[k] = v
	}
	for k, v := range s.providers {
		c.providers[k] = v
	}
	for k, v := range s.tariffs {
		c.tariffs[k] = v
	}
	for k, v := range s.configs {
		c.configs[k] = v
	}
	return c
}

// Store keeps all data in memory. Transactions are serialized and roll back
// by restoring a snapshot.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	s    *state
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		s: &state{
			meters:    map[int64]db.Meter{},
			readings:  map[int64]db.MeterReading{},
			providers: map[int64]bool{},
			tariffs:   map[int64]tariff.Tariff{},
			configs:   map[int64]db.ServiceConfiguration{},
		},
		now: time.Now,
	}
}

// SetClock overrides the time source used for created_at/updated_at
func (m *Store) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Store) id() int64 {
	m.s.nextID++
	return m.s.nextID
}

// InTx runs fn and restores the previous state if it fails
func (m *Store) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.s.clone()
	m.mu.RUnlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.s = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// AddMeter seeds a meter and returns it with its assigned id
func (m *Store) AddMeter(meter db.Meter) db.Meter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meter.ID == 0 {
		meter.ID = m.id()
	}
	if meter.CreatedAt.IsZero() {
		meter.CreatedAt = m.now()
	}
	m.s.meters[meter.ID] = meter
	return meter
}

// AddProvider seeds a provider id
func (m *Store) AddProvider(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.providers[id] = true
}

// AddServiceConfiguration seeds a service configuration
func (m *Store) AddServiceConfiguration(c db.ServiceConfiguration) db.ServiceConfiguration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.id()
	}
	if c.Version == 0 {
		c.Version = 1
	}
	c.Tariff = nil
	m.s.configs[c.ID] = c
	return c
}

// AddReading seeds a reading without validation
func (m *Store) AddReading(r db.MeterReading) db.MeterReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.id()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	r.UpdatedAt = r.CreatedAt
	m.s.readings[r.ID] = r
	return r
}

// AddAuditLog seeds an audit entry, keeping CreatedAt when set
func (m *Store) AddAuditLog(a db.AuditLog) db.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == 0 {
		a.ID = m.id()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	m.s.auditLogs = append(m.s.auditLogs, a)
	return a
}

// AuditCount returns the number of audit entries
func (m *Store) AuditCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.s.auditLogs)
}

// Meter implements store.Queries
func (m *Store) Meter(ctx context.Context, id int64) (*db.Meter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meter, ok := m.s.meters[id]
	if !ok {
		return nil, apperr.NotFound("meter", id)
	}
	return &meter, nil
}

// LockMeter implements store.Queries; transactions are already serialized
func (m *Store) LockMeter(ctx context.Context, id int64) (*db.Meter, error) {
	return m.Meter(ctx, id)
}

// MetersForTenant implements store.Queries
func (m *Store) MetersForTenant(ctx context.Context, tenantID int64) ([]db.Meter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.Meter
	for _, meter := range m.s.meters {
		if meter.TenantID == tenantID {
			out = append(out, meter)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Reading implements store.Queries
func (m *Store) Reading(ctx context.Context, id int64) (*db.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.s.readings[id]
	if !ok {
		return nil, apperr.NotFound("meter reading", id)
	}
	return &r, nil
}

// ReadingsByIDs implements store.Queries
func (m *Store) ReadingsByIDs(ctx context.Context, ids []int64) ([]db.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.MeterReading
	for _, id := range ids {
		if r, ok := m.s.readings[id]; ok {
			out = append(out, r)
		}
	}
	sortReadings(out)
	return out, nil
}

func sameZone(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// series returns non-rejected readings of a meter and zone ordered by date then id
func (m *Store) series(meterID int64, zone *string) []db.MeterReading {
	var out []db.MeterReading
	for _, r := range m.s.readings {
		if r.MeterID == meterID && sameZone(r.Zone, zone) && r.ValidationStatus != db.StatusRejected {
			out = append(out, r)
		}
	}
	sortReadings(out)
	return out
}

func sortReadings(rs []db.MeterReading) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ReadingDate.Equal(rs[j].ReadingDate) {
			return rs[i].ReadingDate.Before(rs[j].ReadingDate)
		}
		return rs[i].ID < rs[j].ID
	})
}

// PreviousReading implements store.Queries. Readings are ordered by date
// then id; a new reading (excludeID 0) sorts after every same-date reading.
func (m *Store) PreviousReading(ctx context.Context, meterID int64, zone *string, at time.Time, excludeID int64) (*db.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *db.MeterReading
	for _, r := range m.series(meterID, zone) {
		if r.ID == excludeID || !precedes(r, at, excludeID) {
			continue
		}
		r := r
		found = &r
	}
	return found, nil
}

// NextReading implements store.Queries
func (m *Store) NextReading(ctx context.Context, meterID int64, zone *string, at time.Time, excludeID int64) (*db.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.series(meterID, zone) {
		if r.ID != excludeID && !precedes(r, at, excludeID) {
			return &r, nil
		}
	}
	return nil, nil
}

// precedes reports whether r sorts before the position (at, id)
func precedes(r db.MeterReading, at time.Time, id int64) bool {
	if !r.ReadingDate.Equal(at) {
		return r.ReadingDate.Before(at)
	}
	return id == 0 || r.ID < id
}

// RecentValidatedReadings implements store.Queries
func (m *Store) RecentValidatedReadings(ctx context.Context, meterID int64, zone *string, limit int) ([]db.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.MeterReading
	s := m.series(meterID, zone)
	for i := len(s) - 1; i >= 0 && len(out) < limit; i-- {
		if s[i].ValidationStatus == db.StatusValidated {
			out = append(out, s[i])
		}
	}
	return out, nil
}

// ReadingsForMeter implements store.Queries
func (m *Store) ReadingsForMeter(ctx context.Context, meterID int64, from, to time.Time) ([]db.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.MeterReading
	for _, r := range m.s.readings {
		if r.MeterID == meterID && r.ValidationStatus != db.StatusRejected &&
			!r.ReadingDate.Before(from) && !r.ReadingDate.After(to) {
			out = append(out, r)
		}
	}
	sortReadings(out)
	return out, nil
}

// ReadingsForTenant implements store.Queries
func (m *Store) ReadingsForTenant(ctx context.Context, tenantID int64, from, to time.Time) ([]db.MeterReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.MeterReading
	for _, r := range m.s.readings {
		if r.TenantID == tenantID && !r.CreatedAt.Before(from) && !r.CreatedAt.After(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertReading implements store.Queries
func (m *Store) InsertReading(ctx context.Context, r *db.MeterReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.id()
	r.CreatedAt = m.now()
	r.UpdatedAt = r.CreatedAt
	m.s.readings[r.ID] = *r
	return nil
}

// UpdateReading implements store.Queries
func (m *Store) UpdateReading(ctx context.Context, r *db.MeterReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.s.readings[r.ID]
	if !ok {
		return apperr.NotFound("meter reading", r.ID)
	}
	current.ReadingDate = r.ReadingDate
	current.Value = r.Value
	current.Zone = r.Zone
	current.ReadingValues = r.ReadingValues
	current.ValidationStatus = r.ValidationStatus
	current.ValidatedBy = r.ValidatedBy
	current.Notes = r.Notes
	current.AnomalyReason = r.AnomalyReason
	current.UpdatedAt = m.now()
	r.UpdatedAt = current.UpdatedAt
	m.s.readings[r.ID] = current
	return nil
}

// UpdateReadingStatus implements store.Queries
func (m *Store) UpdateReadingStatus(ctx context.Context, id int64, status db.ValidationStatus, validatedBy *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.s.readings[id]
	if !ok {
		return apperr.NotFound("meter reading", id)
	}
	r.ValidationStatus = status
	r.ValidatedBy = validatedBy
	r.UpdatedAt = m.now()
	m.s.readings[id] = r
	return nil
}

// ProviderExists implements store.Queries
func (m *Store) ProviderExists(ctx context.Context, id int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.providers[id], nil
}

// Tariff implements store.Queries
func (m *Store) Tariff(ctx context.Context, id int64) (*tariff.Tariff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.s.tariffs[id]
	if !ok {
		return nil, apperr.NotFound("tariff", id)
	}
	return &t, nil
}

// InsertTariff implements store.Queries
func (m *Store) InsertTariff(ctx context.Context, t *tariff.Tariff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.id()
	t.Version = 1
	t.CreatedAt = m.now()
	t.UpdatedAt = t.CreatedAt
	m.s.tariffs[t.ID] = *t
	return nil
}

// UpdateTariff implements store.Queries
func (m *Store) UpdateTariff(ctx context.Context, t *tariff.Tariff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.s.tariffs[t.ID]
	if !ok {
		return apperr.NotFound("tariff", t.ID)
	}
	if current.Version != t.Version {
		return apperr.ErrConcurrencyConflict
	}
	t.Version++
	t.UpdatedAt = m.now()
	t.CreatedAt = current.CreatedAt
	m.s.tariffs[t.ID] = *t
	return nil
}

// ServiceConfiguration implements store.Queries
func (m *Store) ServiceConfiguration(ctx context.Context, id int64) (*db.ServiceConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.s.configs[id]
	if !ok {
		return nil, apperr.NotFound("service configuration", id)
	}
	m.attachTariff(&c)
	return &c, nil
}

func (m *Store) attachTariff(c *db.ServiceConfiguration) {
	c.Tariff = nil
	if c.TariffID == nil {
		return
	}
	if t, ok := m.s.tariffs[*c.TariffID]; ok {
		c.Tariff = &t
	}
}

// ActiveServiceConfigurations implements store.Queries
func (m *Store) ActiveServiceConfigurations(ctx context.Context, tenantID int64) ([]db.ServiceConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.ServiceConfiguration
	for _, c := range m.s.configs {
		if c.TenantID == tenantID && c.IsActive {
			m.attachTariff(&c)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateServiceConfiguration implements store.Queries
func (m *Store) UpdateServiceConfiguration(ctx context.Context, c *db.ServiceConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.s.configs[c.ID]
	if !ok {
		return apperr.NotFound("service configuration", c.ID)
	}
	if current.Version != c.Version {
		return apperr.ErrConcurrencyConflict
	}
	c.Version++
	c.UpdatedAt = m.now()
	stored := *c
	stored.Tariff = nil
	m.s.configs[c.ID] = stored
	return nil
}

// AuditLog implements store.Queries
func (m *Store) AuditLog(ctx context.Context, id int64) (*db.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.s.auditLogs {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, apperr.NotFound("audit log", id)
}

// AuditLogsForTenant implements store.Queries
func (m *Store) AuditLogsForTenant(ctx context.Context, tenantID int64, from, to time.Time) ([]db.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.AuditLog
	for _, a := range m.s.auditLogs {
		if a.TenantID == tenantID && !a.CreatedAt.Before(from) && !a.CreatedAt.After(to) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AuditLogsForEntity implements store.Queries
func (m *Store) AuditLogsForEntity(ctx context.Context, auditableType string, auditableID int64) ([]db.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.AuditLog
	for _, a := range m.s.auditLogs {
		if a.AuditableType == auditableType && a.AuditableID == auditableID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertAuditLog implements store.Queries
func (m *Store) InsertAuditLog(ctx context.Context, a *db.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	a.CreatedAt = m.now()
	m.s.auditLogs = append(m.s.auditLogs, *a)
	return nil
}

// InsertSecurityViolation implements store.Queries
func (m *Store) InsertSecurityViolation(ctx context.Context, v *db.SecurityViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = m.id()
	v.CreatedAt = m.now()
	m.s.violations = append(m.s.violations, *v)
	return nil
}

// SecurityViolationsForTenant implements store.Queries
func (m *Store) SecurityViolationsForTenant(ctx context.Context, tenantID int64, from, to time.Time) ([]db.SecurityViolation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.SecurityViolation
	for _, v := range m.s.violations {
		if v.TenantID != nil && *v.TenantID == tenantID && !v.CreatedAt.Before(from) && !v.CreatedAt.After(to) {
			out = append(out, v)
		}
	}
	return out, nil
}
