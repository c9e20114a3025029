package backend

import (
	"reflect"

	"fireframe/internal/models"
)

// Table names reachable through the Tables capability.
const (
	TableUsers = "users"
	TablePosts = "posts"
)

type tableSpec struct {
	name     string
	rowType  reflect.Type
	newRow   func() any
	newSlice func() any
}

type registry struct {
	tables map[string]tableSpec
}

var defaultRegistry = &registry{tables: map[string]tableSpec{
	TableUsers: {
		name:     TableUsers,
		rowType:  reflect.TypeOf(models.UserRow{}),
		newRow:   func() any { return &models.UserRow{} },
		newSlice: func() any { return &[]models.UserRow{} },
	},
	TablePosts: {
		name:     TablePosts,
		rowType:  reflect.TypeOf(models.PostRow{}),
		newRow:   func() any { return &models.PostRow{} },
		newSlice: func() any { return &[]models.PostRow{} },
	},
}}

func (r *registry) lookup(name string) (tableSpec, bool) {
	spec, ok := r.tables[name]
	return spec, ok
}

// rowsOf flattens a pointer to a slice of rows into pointers to each row.
func rowsOf(slicePtr any) []any {
	v := reflect.ValueOf(slicePtr).Elem()
	out := make([]any, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		out = append(out, v.Index(i).Addr().Interface())
	}
	return out
}

// rowID reads the ID field of a row pointer.
func rowID(row any) string {
	v := reflect.ValueOf(row)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	f := v.FieldByName("ID")
	if !f.IsValid() || f.Kind() != reflect.String {
		return ""
	}
	return f.String()
}
