package sqlstore

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"erpcore/pkg/domain"
)

// view answers reads against one open database transaction. Filters are
// pushed into SQL, and the domain filter's Matches re-checks every row so
// lifecycle and name semantics match the in-memory store exactly. A page is
// pushed down too unless a Go-only predicate could still drop rows.
type view struct {
	ctx context.Context
	q   queryer
	now time.Time
}

func (v *view) Now() time.Time { return v.now }

func (v *view) get(dest any, query string, args ...any) (bool, error) {
	err := v.q.GetContext(v.ctx, dest, v.q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "query %s", firstWords(query))
	}
	return true, nil
}

func (v *view) selectAll(dest any, query string, args ...any) error {
	if err := v.q.SelectContext(v.ctx, dest, v.q.Rebind(query), args...); err != nil {
		return errors.Wrapf(err, "query %s", firstWords(query))
	}
	return nil
}

func (v *view) exec(query string, args ...any) (int64, error) {
	res, err := v.q.ExecContext(v.ctx, v.q.Rebind(query), args...)
	if err != nil {
		return 0, errors.Wrapf(err, "exec %s", firstWords(query))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// firstWords keeps error messages short and free of bound values.
func firstWords(query string) string {
	fields := strings.Fields(query)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, " ")
}

// where accumulates AND-ed equality predicates.
type where struct {
	clauses []string
	args    []any
}

func (w *where) eq(column string, value string) {
	if value == "" {
		return
	}
	w.clauses = append(w.clauses, column+" = ?")
	w.args = append(w.args, value)
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	return strings.Join(w.clauses, " AND ")
}

// page renders LIMIT/OFFSET for p. Without a limit nothing is pushed: an
// OFFSET alone is not portable across dialects, so Paginate handles it.
func page(p domain.Page) (string, []any, bool) {
	if p.Limit <= 0 {
		return "", nil, false
	}
	return " LIMIT ? OFFSET ?", []any{p.Limit, max(p.Offset, 0)}, true
}

// paged finishes a list read: rows already paged by SQL are returned as is.
func paged[T any](p domain.Page, pushed bool, items []T) []T {
	if pushed {
		return items
	}
	return domain.Paginate(p, items)
}

func before(a, b domain.Base) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (v *view) FindOrganization(id string) (domain.Organization, bool, error) {
	var row organizationRow
	ok, err := v.get(&row, `SELECT `+organizationColumns+` FROM core_organizations WHERE id = ?`, id)
	if err != nil || !ok {
		return domain.Organization{}, false, err
	}
	return row.domain(), true, nil
}

func (v *view) ListOrganizations() ([]domain.Organization, error) {
	var rows []organizationRow
	if err := v.selectAll(&rows, `SELECT `+organizationColumns+` FROM core_organizations ORDER BY created_at, id`); err != nil {
		return nil, err
	}
	out := make([]domain.Organization, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i].Base, out[j].Base) })
	return out, nil
}

func (v *view) FindEntity(orgID, id string) (domain.Entity, bool, error) {
	var row entityRow
	ok, err := v.get(&row, `SELECT `+entityColumns+` FROM core_entities WHERE organization_id = ? AND id = ?`, orgID, id)
	if err != nil || !ok {
		return domain.Entity{}, false, err
	}
	return row.domain(), true, nil
}

func (v *view) FindLiveEntityByName(orgID, entityType, normalizedName string) (domain.Entity, bool, error) {
	var row entityRow
	ok, err := v.get(&row, `SELECT `+entityColumns+` FROM core_entities
		WHERE organization_id = ? AND entity_type = ? AND normalized_name = ? AND status <> 'archived'`,
		orgID, entityType, normalizedName)
	if err != nil || !ok {
		return domain.Entity{}, false, err
	}
	return row.domain(), true, nil
}

func (v *view) ListEntities(orgID string, filter domain.EntityFilter) ([]domain.Entity, error) {
	w := &where{}
	w.add("organization_id = ?", orgID)
	w.eq("entity_type", filter.EntityType)
	w.eq("entity_code", filter.EntityCode)
	w.eq("normalized_name", filter.NormalizedName)
	w.eq("taxonomy_code", filter.TaxonomyCode)
	w.eq("status", string(filter.Status))
	if filter.Status == "" && !filter.IncludeArchived {
		w.add("status <> ?", string(domain.EntityArchived))
	}
	query := `SELECT ` + entityColumns + ` FROM core_entities WHERE ` + w.String() + ` ORDER BY created_at, id`
	args := w.args
	var pushed bool
	if filter.NameContains == "" {
		var limit string
		var limitArgs []any
		limit, limitArgs, pushed = page(filter.Page)
		query += limit
		args = append(args, limitArgs...)
	}
	var rows []entityRow
	if err := v.selectAll(&rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Entity, 0, len(rows))
	for _, r := range rows {
		if e := r.domain(); filter.Matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i].Base, out[j].Base) })
	return paged(filter.Page, pushed, out), nil
}

func (v *view) ListAttributes(orgID, entityID string) ([]domain.Attribute, error) {
	var rows []attributeRow
	if err := v.selectAll(&rows, `SELECT `+attributeColumns+` FROM core_dynamic_data
		WHERE organization_id = ? AND entity_id = ? ORDER BY field_name`, orgID, entityID); err != nil {
		return nil, err
	}
	out := make([]domain.Attribute, 0, len(rows))
	for _, r := range rows {
		a, err := r.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FieldName < out[j].FieldName })
	return out, nil
}

func (v *view) FindRelationship(orgID, id string) (domain.Relationship, bool, error) {
	var row relationshipRow
	ok, err := v.get(&row, `SELECT `+relationshipColumns+` FROM core_relationships WHERE organization_id = ? AND id = ?`, orgID, id)
	if err != nil || !ok {
		return domain.Relationship{}, false, err
	}
	return row.domain(), true, nil
}

func (v *view) ListRelationships(orgID string, filter domain.RelationshipFilter) ([]domain.Relationship, error) {
	if filter.At.IsZero() {
		filter.At = v.now
	}
	w := &where{}
	w.add("organization_id = ?", orgID)
	w.eq("from_entity_id", filter.FromEntityID)
	w.eq("to_entity_id", filter.ToEntityID)
	w.eq("relationship_type", filter.RelationshipType)
	if filter.EntityID != "" {
		switch filter.Direction {
		case domain.DirectionOutgoing:
			w.eq("from_entity_id", filter.EntityID)
		case domain.DirectionIncoming:
			w.eq("to_entity_id", filter.EntityID)
		default:
			w.add("(from_entity_id = ? OR to_entity_id = ?)", filter.EntityID, filter.EntityID)
		}
	}
	if filter.ActiveOnly {
		w.add("is_active = ?", true)
		w.add("(expiration_date IS NULL OR expiration_date > ?)", filter.At.UTC())
	}
	limit, limitArgs, pushed := page(filter.Page)
	var rows []relationshipRow
	if err := v.selectAll(&rows, `SELECT `+relationshipColumns+` FROM core_relationships WHERE `+w.String()+` ORDER BY created_at, id`+limit,
		append(w.args, limitArgs...)...); err != nil {
		return nil, err
	}
	out := make([]domain.Relationship, 0, len(rows))
	for _, r := range rows {
		if rel := r.domain(); filter.Matches(rel) {
			out = append(out, rel)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i].Base, out[j].Base) })
	return paged(filter.Page, pushed, out), nil
}

func (v *view) FindTransaction(orgID, id string) (domain.LedgerTransaction, bool, error) {
	var h headerRow
	ok, err := v.get(&h, `SELECT `+headerColumns+` FROM universal_transactions WHERE organization_id = ? AND id = ?`, orgID, id)
	if err != nil || !ok {
		return domain.LedgerTransaction{}, false, err
	}
	var lines []lineRow
	if err := v.selectAll(&lines, `SELECT `+lineColumns+` FROM universal_transaction_lines
		WHERE organization_id = ? AND transaction_id = ? ORDER BY line_number`, orgID, id); err != nil {
		return domain.LedgerTransaction{}, false, err
	}
	t := domain.LedgerTransaction{Header: h.domain(), Lines: make([]domain.TransactionLine, 0, len(lines))}
	for _, l := range lines {
		t.Lines = append(t.Lines, l.domain())
	}
	t.SortLines()
	return t, true, nil
}

func (v *view) ListTransactions(orgID string, filter domain.TransactionFilter) ([]domain.TransactionHeader, error) {
	w := &where{}
	w.add("organization_id = ?", orgID)
	w.eq("transaction_type", filter.TransactionType)
	w.eq("taxonomy_code", filter.TaxonomyCode)
	w.eq("status", string(filter.Status))
	if filter.EntityID != "" {
		w.add("(source_entity_id = ? OR target_entity_id = ?)", filter.EntityID, filter.EntityID)
	}
	if filter.From != nil {
		w.add("transaction_date >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		w.add("transaction_date <= ?", filter.To.UTC())
	}
	limit, limitArgs, pushed := page(filter.Page)
	var rows []headerRow
	if err := v.selectAll(&rows, `SELECT `+headerColumns+` FROM universal_transactions WHERE `+w.String()+` ORDER BY transaction_date, created_at, id`+limit,
		append(w.args, limitArgs...)...); err != nil {
		return nil, err
	}
	out := make([]domain.TransactionHeader, 0, len(rows))
	for _, r := range rows {
		if h := r.domain(); filter.Matches(h) {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TransactionDate.Equal(out[j].TransactionDate) {
			return out[i].TransactionDate.Before(out[j].TransactionDate)
		}
		return before(out[i].Base, out[j].Base)
	})
	return paged(filter.Page, pushed, out), nil
}

type countRow struct {
	Relationships int `db:"relationships"`
	Lines         int `db:"lines"`
	Transactions  int `db:"transactions"`
}

func (v *view) ReferenceCounts(orgID, entityID string) (domain.ReferenceCounts, error) {
	var c countRow
	if _, err := v.get(&c, `SELECT
		(SELECT COUNT(*) FROM core_relationships WHERE organization_id = ? AND (from_entity_id = ? OR to_entity_id = ?)) AS relationships,
		(SELECT COUNT(*) FROM universal_transaction_lines WHERE organization_id = ? AND entity_id = ?) AS lines,
		(SELECT COUNT(*) FROM universal_transactions WHERE organization_id = ? AND (source_entity_id = ? OR target_entity_id = ?)) AS transactions`,
		orgID, entityID, entityID,
		orgID, entityID,
		orgID, entityID, entityID,
	); err != nil {
		return domain.ReferenceCounts{}, err
	}
	return domain.ReferenceCounts{Relationships: c.Relationships, Lines: c.Lines, Transactions: c.Transactions}, nil
}
