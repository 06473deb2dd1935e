package audit

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/septivank/utility-billing/internal/apperr"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/store"
	"github.com/septivank/utility-billing/internal/tariff"
	"github.com/septivank/utility-billing/tools/timeparser"
)

// reconstructor rebuilds an audited entity from a document of audit values
type reconstructor interface {
	// load returns the normalized audit values of the stored entity
	load(ctx context.Context, q store.Queries, id int64) (map[string]any, error)
	// restore overwrites the entity with values. Unusable values are reported
	// as apperr.ValidationErrors; with dryRun nothing is written.
	restore(ctx context.Context, q store.Queries, id int64, values map[string]any, dryRun bool) error
}

var reconstructors = map[string]reconstructor{
	tariff.AuditableType:                 tariffReconstructor{},
	db.ServiceConfigurationAuditableType: serviceConfigurationReconstructor{},
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func asDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := timeparser.ParseReadingDate(s)
	return t, err == nil
}

// optionalID decodes a nullable foreign key
func optionalID(v any) (*int64, bool) {
	if v == nil {
		return nil, true
	}
	id, ok := asInt64(v)
	if !ok {
		return nil, false
	}
	return &id, true
}

type tariffReconstructor struct{}

func (tariffReconstructor) load(ctx context.Context, q store.Queries, id int64) (map[string]any, error) {
	t, err := q.Tariff(ctx, id)
	if err != nil {
		return nil, err
	}
	return Normalize(t.AuditValues()), nil
}

func (tariffReconstructor) restore(ctx context.Context, q store.Queries, id int64, values map[string]any, dryRun bool) error {
	current, err := q.Tariff(ctx, id)
	if err != nil {
		return err
	}

	next := *current
	verrs := apperr.ValidationErrors{}
	for field, v := range values {
		switch field {
		case "name":
			name, ok := v.(string)
			if !ok {
				verrs.Add(field, "must be a string")
				continue
			}
			next.Name = name
		case "provider_id":
			pid, ok := asInt64(v)
			if !ok {
				verrs.Add(field, "must be an integer")
				continue
			}
			next.ProviderID = pid
		case "active_from":
			d, ok := asDate(v)
			if !ok {
				verrs.Add(field, "must be a date")
				continue
			}
			next.ActiveFrom = d
		case "active_until":
			if v == nil {
				next.ActiveUntil = nil
				continue
			}
			d, ok := asDate(v)
			if !ok {
				verrs.Add(field, "must be a date")
				continue
			}
			next.ActiveUntil = &d
		case "configuration":
			doc, ok := v.(map[string]any)
			if !ok {
				verrs.Add(field, "must be an object")
				continue
			}
			cfg, err := tariff.ParseMap(doc)
			if err != nil {
				if cerrs, ok := apperr.AsValidation(err); ok {
					verrs.Merge(field, cerrs)
				} else {
					verrs.Add(field, err.Error())
				}
				continue
			}
			next.Configuration = cfg
		default:
			verrs.Add(field, "cannot be restored on a tariff")
		}
	}
	if verrs.Empty() {
		verrs.Merge("", next.Validate())
	}
	if err := verrs.Err(); err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	return q.UpdateTariff(ctx, &next)
}

type serviceConfigurationReconstructor struct{}

func (serviceConfigurationReconstructor) load(ctx context.Context, q store.Queries, id int64) (map[string]any, error) {
	c, err := q.ServiceConfiguration(ctx, id)
	if err != nil {
		return nil, err
	}
	return Normalize(c.AuditValues()), nil
}

func (serviceConfigurationReconstructor) restore(ctx context.Context, q store.Queries, id int64, values map[string]any, dryRun bool) error {
	current, err := q.ServiceConfiguration(ctx, id)
	if err != nil {
		return err
	}

	next := *current
	verrs := apperr.ValidationErrors{}
	for field, v := range values {
		switch field {
		case "property_id", "utility_service_id":
			ref, ok := asInt64(v)
			if !ok {
				verrs.Add(field, "must be an integer")
				continue
			}
			if field == "property_id" {
				next.PropertyID = ref
			} else {
				next.UtilityServiceID = ref
			}
		case "meter_id":
			ref, ok := optionalID(v)
			if !ok {
				verrs.Add(field, "must be an integer or null")
				continue
			}
			if ref != nil {
				if _, err := q.Meter(ctx, *ref); err != nil {
					if !apperr.IsNotFound(err) {
						return err
					}
					verrs.Addf(field, "meter %d no longer exists", *ref)
					continue
				}
			}
			next.MeterID = ref
		case "tariff_id":
			ref, ok := optionalID(v)
			if !ok {
				verrs.Add(field, "must be an integer or null")
				continue
			}
			if ref != nil {
				if _, err := q.Tariff(ctx, *ref); err != nil {
					if !apperr.IsNotFound(err) {
						return err
					}
					verrs.Addf(field, "tariff %d no longer exists", *ref)
					continue
				}
			}
			next.TariffID = ref
		case "unit_of_measurement":
			unit, ok := v.(string)
			if !ok {
				verrs.Add(field, "must be a string")
				continue
			}
			next.UnitOfMeasurement = unit
		case "effective_from":
			d, ok := asDate(v)
			if !ok {
				verrs.Add(field, "must be a date")
				continue
			}
			next.EffectiveFrom = d
		case "effective_until":
			if v == nil {
				next.EffectiveUntil = nil
				continue
			}
			d, ok := asDate(v)
			if !ok {
				verrs.Add(field, "must be a date")
				continue
			}
			next.EffectiveUntil = &d
		case "is_active":
			active, ok := v.(bool)
			if !ok {
				verrs.Add(field, "must be a boolean")
				continue
			}
			next.IsActive = active
		default:
			verrs.Add(field, "cannot be restored on a service configuration")
		}
	}
	if next.EffectiveUntil != nil && !next.EffectiveUntil.After(next.EffectiveFrom) {
		verrs.Add("effective_until", "must be after effective_from")
	}
	if err := verrs.Err(); err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	next.Tariff = nil
	return q.UpdateServiceConfiguration(ctx, &next)
}
