package db

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// FakeDB is an in-memory implementation of DB for unit tests. It skips
// warmup and retry scheduling but applies the same error classification as
// the gateway, so conflict-resolution paths behave identically under test.
type FakeDB struct {
	// Querier serves Run operations
	Querier Querier
	// TxQuerier serves WithTransaction bodies; falls back to Querier when nil
	TxQuerier Querier
	// RunErr short-circuits Run with an error
	RunErr error
	// TxBeginErr short-circuits WithTransaction before fn runs
	TxBeginErr error

	// Call tracking
	RunCalls      int
	TxCalls       int
	TxRollbacks   int
	TxCommits     int
	LastStatement string
}

// NewFakeDB creates a fake gateway serving the given querier.
func NewFakeDB(q Querier) *FakeDB {
	return &FakeDB{Querier: q}
}

// Run implements DB without retry sleeps.
func (f *FakeDB) Run(ctx context.Context, op func(ctx context.Context, q Querier) error) error {
	f.RunCalls++
	if f.RunErr != nil {
		return classify(f.RunErr)
	}
	return classify(op(ctx, f.Querier))
}

// WithTransaction implements DB with single-shot semantics: the body runs
// once, an error counts as a rollback, success as a commit.
func (f *FakeDB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Querier) error) error {
	f.TxCalls++
	if f.TxBeginErr != nil {
		return classify(f.TxBeginErr)
	}
	q := f.TxQuerier
	if q == nil {
		q = f.Querier
	}
	if err := fn(ctx, q); err != nil {
		f.TxRollbacks++
		return classify(err)
	}
	f.TxCommits++
	return nil
}

// FakeQuerier scripts SQL execution for tests. Each method routes through
// the corresponding function; unset functions return zero results.
type FakeQuerier struct {
	ExecFunc     func(sql string, args []any) (pgconn.CommandTag, error)
	QueryFunc    func(sql string, args []any) (pgx.Rows, error)
	QueryRowFunc func(sql string, args []any) pgx.Row

	// Statements records every SQL text issued, in order.
	Statements []string
}

// Exec implements Querier.
func (f *FakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.Statements = append(f.Statements, sql)
	if f.ExecFunc != nil {
		return f.ExecFunc(sql, args)
	}
	return pgconn.NewCommandTag("OK 1"), nil
}

// Query implements Querier.
func (f *FakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.Statements = append(f.Statements, sql)
	if f.QueryFunc != nil {
		return f.QueryFunc(sql, args)
	}
	return &FakeRows{}, nil
}

// QueryRow implements Querier.
func (f *FakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.Statements = append(f.Statements, sql)
	if f.QueryRowFunc != nil {
		return f.QueryRowFunc(sql, args)
	}
	return &FakeRow{Err: pgx.ErrNoRows}
}

// FakeRow is a single scripted result row.
type FakeRow struct {
	// Values are copied positionally into the Scan destinations.
	Values []any
	// Err is returned instead of scanning when set.
	Err error
}

// Scan implements pgx.Row by positional assignment of Values.
func (r *FakeRow) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	return assignValues(dest, r.Values)
}

// FakeRows iterates a scripted result set.
type FakeRows struct {
	// Rows holds one Values slice per result row.
	Rows [][]any
	// ScanErr fails the first Scan when set.
	ScanErr error

	idx    int
	closed bool
}

// Next implements pgx.Rows.
func (r *FakeRows) Next() bool {
	if r.closed || r.idx >= len(r.Rows) {
		return false
	}
	r.idx++
	return true
}

// Scan implements pgx.Rows for the current row.
func (r *FakeRows) Scan(dest ...any) error {
	if r.ScanErr != nil {
		return r.ScanErr
	}
	if r.idx == 0 || r.idx > len(r.Rows) {
		return errors.New("scan called without next")
	}
	return assignValues(dest, r.Rows[r.idx-1])
}

// Close implements pgx.Rows.
func (r *FakeRows) Close() { r.closed = true }

// Err implements pgx.Rows.
func (r *FakeRows) Err() error { return nil }

// CommandTag implements pgx.Rows.
func (r *FakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }

// FieldDescriptions implements pgx.Rows.
func (r *FakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

// Values implements pgx.Rows.
func (r *FakeRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.Rows) {
		return nil, errors.New("values called without next")
	}
	return r.Rows[r.idx-1], nil
}

// RawValues implements pgx.Rows.
func (r *FakeRows) RawValues() [][]byte { return nil }

// Conn implements pgx.Rows.
func (r *FakeRows) Conn() *pgx.Conn { return nil }

// assignValues copies source values into scan destinations positionally,
// covering the types the stores scan.
func assignValues(dest, src []any) error {
	if len(dest) != len(src) {
		return errors.New("scan destination count mismatch")
	}
	for i, v := range src {
		if err := assignValue(dest[i], v); err != nil {
			return err
		}
	}
	return nil
}

func assignValue(dst, src any) error {
	switch d := dst.(type) {
	case *string:
		if v, ok := src.(string); ok {
			*d = v
			return nil
		}
	case **string:
		switch v := src.(type) {
		case nil:
			*d = nil
			return nil
		case string:
			s := v
			*d = &s
			return nil
		case *string:
			*d = v
			return nil
		}
	case *int:
		if v, ok := src.(int); ok {
			*d = v
			return nil
		}
	case *int64:
		switch v := src.(type) {
		case int64:
			*d = v
			return nil
		case int:
			*d = int64(v)
			return nil
		}
	case *float64:
		switch v := src.(type) {
		case float64:
			*d = v
			return nil
		case int:
			*d = float64(v)
			return nil
		}
	case **float64:
		switch v := src.(type) {
		case nil:
			*d = nil
			return nil
		case float64:
			f := v
			*d = &f
			return nil
		}
	case *bool:
		if v, ok := src.(bool); ok {
			*d = v
			return nil
		}
	default:
		// Entity field types (time.Time, enums, JSON maps) route through
		// the generic assignment below.
	}
	return assignReflect(dst, src)
}

// assignReflect covers the remaining scan destinations (time.Time, status
// enums, jsonb map types, and pointers to them) by reflection.
func assignReflect(dst, src any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("scan destination %T is not a pointer", dst)
	}
	elem := dv.Elem()

	if src == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}

	sv := reflect.ValueOf(src)
	switch {
	case sv.Type().AssignableTo(elem.Type()):
		elem.Set(sv)
	case sv.Type().ConvertibleTo(elem.Type()) && sv.Kind() == elem.Kind():
		elem.Set(sv.Convert(elem.Type()))
	case sv.Kind() == reflect.String && elem.Kind() == reflect.String:
		elem.Set(sv.Convert(elem.Type()))
	case elem.Kind() == reflect.Pointer && sv.Type().AssignableTo(elem.Type().Elem()):
		p := reflect.New(elem.Type().Elem())
		p.Elem().Set(sv)
		elem.Set(p)
	case elem.Kind() == reflect.Pointer && sv.Type().ConvertibleTo(elem.Type().Elem()):
		p := reflect.New(elem.Type().Elem())
		p.Elem().Set(sv.Convert(elem.Type().Elem()))
		elem.Set(p)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
	return nil
}
