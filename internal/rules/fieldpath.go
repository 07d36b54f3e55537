// internal/rules/fieldpath.go
package rules

import (
	"github.com/trialmatch/trialmatch/internal/types"
)

/*
 * Field path resolution into patient records.
 *
 * A rule locates its value with (category, identifier, field):
 *   1. category selects a record section
 *   2. a map section (demographics, behavioral flags) must contain
 *      identifier[0]; field is read from the map
 *   3. a list section (conditions, lab results, medications) is scanned for
 *      the first entry whose identifier[0] key equals identifier[1], or is
 *      merely present when only one identifier is given; field is read from
 *      that entry
 *
 * First match wins. Identifier values compare with eq semantics, so
 * "hba1c" locates the "HbA1c" lab entry.
 *
 * View flattens a typed PatientRecord into generic sections once per match
 * call so every rule resolves against the same shape. Empty strings and nil
 * lab values are omitted from entries and therefore resolve as absent.
 */

// ResolveResult contains the resolved value and which list entry supplied it.
type ResolveResult struct {
	Value      any  // resolved value (nil if not found)
	EntryIndex int  // list index of the matched entry, -1 for map sections
	Found      bool // true if the path resolved to a non-nil value
}

// View is the generic, read-only projection of one PatientRecord.
type View struct {
	PatientID string
	maps      map[types.Category]map[string]any
	lists     map[types.Category][]map[string]any
}

// NewView projects rec into evaluation sections. rec is not retained.
func NewView(rec *types.PatientRecord) *View {
	v := &View{
		PatientID: rec.PatientID,
		maps:      make(map[types.Category]map[string]any, 2),
		lists:     make(map[types.Category][]map[string]any, 3),
	}

	if len(rec.Demographics) > 0 {
		demo := make(map[string]any, len(rec.Demographics))
		for k, val := range rec.Demographics {
			demo[k] = val
		}
		v.maps[types.CategoryDemographic] = demo
	}

	flags := rec.Flags()
	if len(flags) > 0 {
		v.maps[types.CategoryBehavioral] = flags
	}

	conditions := make([]map[string]any, 0, len(rec.Conditions)+len(flags))
	for _, c := range rec.Conditions {
		conditions = append(conditions, entry(
			"code", c.Code,
			"code_system", c.CodeSystem,
			"description", c.Description,
			"onset_date", c.OnsetDate,
			"status", c.Status,
		))
	}
	// Derived flags also appear as single-key condition entries.
	for _, key := range []string{"pregnancy_status", "smoking_status"} {
		if val, ok := flags[key]; ok {
			conditions = append(conditions, map[string]any{key: val})
		}
	}
	if len(conditions) > 0 {
		v.lists[types.CategoryCondition] = conditions
	}

	if len(rec.LabResults) > 0 {
		labs := make([]map[string]any, 0, len(rec.LabResults))
		for _, l := range rec.LabResults {
			e := entry(
				"test", l.Test,
				"unit", l.Unit,
				"date", l.Date,
				"reference_range", l.ReferenceRange,
				"status", l.Status,
			)
			if l.Value != nil {
				e["value"] = l.Value
			}
			labs = append(labs, e)
		}
		v.lists[types.CategoryLabResult] = labs
	}

	if len(rec.Medications) > 0 {
		meds := make([]map[string]any, 0, len(rec.Medications))
		for _, m := range rec.Medications {
			meds = append(meds, entry(
				"name", m.Name,
				"generic_name", m.GenericName,
				"dosage", m.Dosage,
				"frequency", m.Frequency,
				"start_date", m.StartDate,
				"status", m.Status,
			))
		}
		v.lists[types.CategoryMedication] = meds
	}

	return v
}

// entry builds a map from alternating key/value pairs, skipping empty values.
func entry(kv ...string) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			m[kv[i]] = kv[i+1]
		}
	}
	return m
}

// Sections lists the categories present in the view with their entry counts.
// Map sections report their key count.
func (v *View) Sections() map[types.Category]int {
	out := make(map[types.Category]int, len(v.maps)+len(v.lists))
	for c, m := range v.maps {
		out[c] = len(m)
	}
	for c, l := range v.lists {
		out[c] = len(l)
	}
	return out
}

// Resolve locates a rule's field in the view.
// Returns ErrUnknownCategory for categories with no section mapping.
// Returns ErrFieldNotFound if the section, entry or field is absent.
func Resolve(v *View, category types.Category, identifier []string, field string) (ResolveResult, error) {
	switch category {
	case types.CategoryDemographic, types.CategoryBehavioral:
		return resolveMap(v.maps[category], identifier, field)
	case types.CategoryCondition, types.CategoryLabResult, types.CategoryMedication:
		return resolveList(v.lists[category], identifier, field)
	default:
		return ResolveResult{}, types.ErrUnknownCategory
	}
}

// resolveMap requires identifier[0] as a presence check before reading field.
func resolveMap(section map[string]any, identifier []string, field string) (ResolveResult, error) {
	if len(section) == 0 {
		return ResolveResult{}, types.ErrFieldNotFound
	}
	if len(identifier) > 0 {
		if _, ok := section[identifier[0]]; !ok {
			return ResolveResult{}, types.ErrFieldNotFound
		}
	}
	val, ok := section[field]
	if !ok || val == nil {
		return ResolveResult{}, types.ErrFieldNotFound
	}
	return ResolveResult{Value: val, EntryIndex: -1, Found: true}, nil
}

// resolveList reads field from the first entry selected by identifier.
func resolveList(section []map[string]any, identifier []string, field string) (ResolveResult, error) {
	for i, e := range section {
		if !selects(e, identifier) {
			continue
		}
		val, ok := e[field]
		if !ok || val == nil {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return ResolveResult{Value: val, EntryIndex: i, Found: true}, nil
	}
	return ResolveResult{}, types.ErrFieldNotFound
}

// selects reports whether entry e is the one identifier points at.
func selects(e map[string]any, identifier []string) bool {
	if len(identifier) == 0 {
		return false
	}
	key, ok := e[identifier[0]]
	if !ok || key == nil {
		return false
	}
	if len(identifier) == 1 {
		return true
	}
	return compareEqual(key, identifier[1])
}
