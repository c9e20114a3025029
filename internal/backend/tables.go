package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"fireframe/internal/observability"
	"fireframe/internal/provider"
)

// Tables is the gorm-backed row API. Every committed write is published to
// the realtime broker after the transaction commits. Writes to one table hold
// that table's write lock from the statement through the publish, so events
// reach subscribers in commit order.
type Tables struct {
	db       *gorm.DB
	realtime *Realtime
	tables   *registry
	now      func() time.Time

	schemaMu sync.Mutex
	schemas  map[string]*schema.Schema

	writeMu sync.Mutex
	writers map[string]*sync.Mutex
}

// NewTables wraps db. realtime may be nil, in which case writes are not published.
func NewTables(db *gorm.DB, realtime *Realtime) *Tables {
	return &Tables{
		db:       db,
		realtime: realtime,
		tables:   defaultRegistry,
		now:      func() time.Time { return time.Now().UTC() },
		schemas:  make(map[string]*schema.Schema),
		writers:  make(map[string]*sync.Mutex),
	}
}

// lockWrites takes table's write lock and returns its release.
func (t *Tables) lockWrites(table string) func() {
	t.writeMu.Lock()
	mu, ok := t.writers[table]
	if !ok {
		mu = &sync.Mutex{}
		t.writers[table] = mu
	}
	t.writeMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (t *Tables) spec(table string) (tableSpec, error) {
	spec, ok := t.tables.lookup(table)
	if !ok {
		return tableSpec{}, &provider.Error{Code: provider.CodeInvalidInput, Message: fmt.Sprintf("unknown table %q", table)}
	}
	return spec, nil
}

func (t *Tables) schemaFor(spec tableSpec) (*schema.Schema, error) {
	t.schemaMu.Lock()
	defer t.schemaMu.Unlock()
	if s, ok := t.schemas[spec.name]; ok {
		return s, nil
	}
	stmt := &gorm.Statement{DB: t.db}
	if err := stmt.Parse(spec.newRow()); err != nil {
		return nil, fmt.Errorf("parse %s schema: %w", spec.name, err)
	}
	t.schemas[spec.name] = stmt.Schema
	return stmt.Schema, nil
}

func (t *Tables) checkColumns(spec tableSpec, columns ...string) error {
	s, err := t.schemaFor(spec)
	if err != nil {
		return err
	}
	for _, col := range columns {
		if !provider.ValidIdentifier(col) {
			return &provider.Error{Code: provider.CodeInvalidInput, Message: fmt.Sprintf("invalid column %q", col)}
		}
		if _, ok := s.FieldsByDBName[col]; !ok {
			return &provider.Error{Code: provider.CodeInvalidInput, Message: fmt.Sprintf("column %q does not exist on %s", col, spec.name)}
		}
	}
	return nil
}

func (t *Tables) checkQuery(spec tableSpec, q provider.Query) error {
	if err := q.Validate(); err != nil {
		return &provider.Error{Code: provider.CodeInvalidInput, Message: "invalid query", Err: err}
	}
	cols := make([]string, 0, len(q.Filters)+1)
	for _, f := range q.Filters {
		cols = append(cols, f.Column)
	}
	if q.Order != nil {
		cols = append(cols, q.Order.Column)
	}
	return t.checkColumns(spec, cols...)
}

func checkDest(spec tableSpec, dest any, slice bool) error {
	v := reflect.TypeOf(dest)
	if v == nil || v.Kind() != reflect.Pointer {
		return &provider.Error{Code: provider.CodeInvalidInput, Message: "destination must be a pointer"}
	}
	elem := v.Elem()
	if slice {
		if elem.Kind() != reflect.Slice || elem.Elem() != spec.rowType {
			return &provider.Error{Code: provider.CodeInvalidInput, Message: fmt.Sprintf("destination must be *[]%s", spec.rowType.Name())}
		}
		return nil
	}
	if elem != spec.rowType {
		return &provider.Error{Code: provider.CodeInvalidInput, Message: fmt.Sprintf("destination must be *%s", spec.rowType.Name())}
	}
	return nil
}

func applyFilters(tx *gorm.DB, filters []provider.Filter) *gorm.DB {
	for _, f := range filters {
		tx = tx.Where(clause.Eq{Column: clause.Column{Name: f.Column}, Value: f.Value})
	}
	return tx
}

func (t *Tables) query(ctx context.Context, table string, q provider.Query) *gorm.DB {
	tx := applyFilters(t.db.WithContext(ctx).Table(table), q.Filters)
	if q.Order != nil {
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: q.Order.Column}, Desc: !q.Order.Ascending})
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	return tx
}

// Select loads every matching row into dest, a pointer to a slice of rows.
func (t *Tables) Select(ctx context.Context, table string, q provider.Query, dest any) error {
	spec, err := t.spec(table)
	if err != nil {
		return err
	}
	if err := checkDest(spec, dest, true); err != nil {
		return err
	}
	if err := t.checkQuery(spec, q); err != nil {
		return err
	}

	span, ctx := observability.StartProviderSpan(ctx, "tables", "select", table)
	defer span.End()

	if err := t.query(ctx, table, q).Find(dest).Error; err != nil {
		span.SetError(err)
		return t.dbError(ctx, "select", table, err)
	}
	return nil
}

// SelectSingle loads exactly one row into dest.
func (t *Tables) SelectSingle(ctx context.Context, table string, q provider.Query, dest any) error {
	spec, err := t.spec(table)
	if err != nil {
		return err
	}
	if err := checkDest(spec, dest, false); err != nil {
		return err
	}
	if err := t.checkQuery(spec, q); err != nil {
		return err
	}

	span, ctx := observability.StartProviderSpan(ctx, "tables", "select_single", table)
	defer span.End()

	q.Limit = 2
	rows := spec.newSlice()
	if err := t.query(ctx, table, q).Find(rows).Error; err != nil {
		span.SetError(err)
		return t.dbError(ctx, "select", table, err)
	}
	found := rowsOf(rows)
	if len(found) != 1 {
		return &provider.Error{
			Code:    provider.CodeNoRows,
			Message: fmt.Sprintf("JSON object requested, multiple (or no) rows returned (%d rows)", len(found)),
		}
	}
	reflect.ValueOf(dest).Elem().Set(reflect.ValueOf(found[0]).Elem())
	return nil
}

// Insert creates row and publishes an INSERT event.
func (t *Tables) Insert(ctx context.Context, table string, row any) error {
	spec, err := t.spec(table)
	if err != nil {
		return err
	}
	if err := checkDest(spec, row, false); err != nil {
		return err
	}

	span, ctx := observability.StartProviderSpan(ctx, "tables", "insert", table)
	defer span.End()
	defer t.lockWrites(table)()

	if err := t.db.WithContext(ctx).Table(table).Create(row).Error; err != nil {
		span.SetError(err)
		return t.dbError(ctx, "insert", table, err)
	}
	observability.NewRepoLogger(table).LogCreate(ctx, map[string]interface{}{"id": rowID(row)})
	t.publish(ctx, table, provider.EventInsert, []any{row}, nil)
	return nil
}

// Update patches every matching row with values and publishes one UPDATE
// event per changed row. At least one filter is required.
func (t *Tables) Update(ctx context.Context, table string, values map[string]any, filters ...provider.Filter) (int64, error) {
	spec, err := t.spec(table)
	if err != nil {
		return 0, err
	}
	if len(filters) == 0 {
		return 0, &provider.Error{Code: provider.CodeInvalidInput, Message: "update requires a filter"}
	}
	if len(values) == 0 {
		return 0, &provider.Error{Code: provider.CodeInvalidInput, Message: "update has no values"}
	}
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	if err := t.checkQuery(spec, provider.Query{Filters: filters}); err != nil {
		return 0, err
	}
	if err := t.checkColumns(spec, cols...); err != nil {
		return 0, err
	}
	if _, touchesID := values["id"]; touchesID {
		return 0, &provider.Error{Code: provider.CodeInvalidInput, Message: "id cannot be updated"}
	}

	span, ctx := observability.StartProviderSpan(ctx, "tables", "update", table)
	defer span.End()
	defer t.lockWrites(table)()

	var updated []any
	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids, err := matchingIDs(applyFilters(tx.Table(table), filters))
		if err != nil || len(ids) == 0 {
			return err
		}
		if err := tx.Model(spec.newRow()).Where("id IN ?", ids).Updates(values).Error; err != nil {
			return err
		}
		after := spec.newSlice()
		if err := tx.Table(table).Where("id IN ?", ids).Order("created_at DESC").Find(after).Error; err != nil {
			return err
		}
		updated = rowsOf(after)
		return nil
	})
	if err != nil {
		span.SetError(err)
		return 0, t.dbError(ctx, "update", table, err)
	}
	if len(updated) > 0 {
		observability.NewRepoLogger(table).LogUpdate(ctx, map[string]interface{}{"rows": len(updated)})
		t.publish(ctx, table, provider.EventUpdate, updated, nil)
	}
	return int64(len(updated)), nil
}

// Delete removes every matching row and publishes one DELETE event per row.
func (t *Tables) Delete(ctx context.Context, table string, filters ...provider.Filter) (int64, error) {
	spec, err := t.spec(table)
	if err != nil {
		return 0, err
	}
	if len(filters) == 0 {
		return 0, &provider.Error{Code: provider.CodeInvalidInput, Message: "delete requires a filter"}
	}
	if err := t.checkQuery(spec, provider.Query{Filters: filters}); err != nil {
		return 0, err
	}

	span, ctx := observability.StartProviderSpan(ctx, "tables", "delete", table)
	defer span.End()
	defer t.lockWrites(table)()

	var removed []any
	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before := spec.newSlice()
		if err := applyFilters(tx.Table(table), filters).Find(before).Error; err != nil {
			return err
		}
		removed = rowsOf(before)
		if len(removed) == 0 {
			return nil
		}
		ids := make([]string, 0, len(removed))
		for _, r := range removed {
			ids = append(ids, rowID(r))
		}
		return tx.Where("id IN ?", ids).Delete(spec.newRow()).Error
	})
	if err != nil {
		span.SetError(err)
		return 0, t.dbError(ctx, "delete", table, err)
	}
	if len(removed) > 0 {
		observability.NewRepoLogger(table).LogDelete(ctx, map[string]interface{}{"rows": len(removed)})
		t.publish(ctx, table, provider.EventDelete, nil, removed)
	}
	return int64(len(removed)), nil
}

func matchingIDs(tx *gorm.DB) ([]string, error) {
	var ids []string
	if err := tx.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *Tables) publish(ctx context.Context, table string, kind provider.EventType, newRows, oldRows []any) {
	if t.realtime == nil {
		return
	}
	rows := newRows
	if kind == provider.EventDelete {
		rows = oldRows
	}
	for _, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			observability.NewRepoLogger(table).LogError(ctx, fmt.Errorf("encode change record: %w", err), "publish")
			continue
		}
		ev := provider.ChangeEvent{
			EventType:       kind,
			Schema:          provider.DefaultSchema,
			Table:           table,
			CommitTimestamp: t.now(),
		}
		if kind == provider.EventDelete {
			ev.Old = raw
		} else {
			ev.New = raw
		}
		// The write is already committed; a failed publish is logged, not returned.
		if err := t.realtime.Publish(ctx, ev); err != nil {
			observability.NewRepoLogger(table).LogError(ctx, err, "publish")
		}
	}
}

func (t *Tables) dbError(ctx context.Context, operation, table string, err error) error {
	observability.DatabaseErrors.WithLabelValues(operation, table).Inc()
	observability.NewRepoLogger(table).LogError(ctx, err, operation)
	if isUniqueViolation(err) {
		return &provider.Error{Code: provider.CodeUniqueViolation, Message: "duplicate key value violates unique constraint", Err: err}
	}
	return &provider.Error{Code: "DB_ERROR", Message: operation + " on " + table + " failed", Err: err}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == provider.CodeUniqueViolation
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
