package sqlite

import "testing"

// NewSQLiteTest returns an in-memory store closed at test cleanup.
func NewSQLiteTest(t testing.TB) *Store {
	t.Helper()
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
