package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := InitStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertEmployee(t *testing.T, s *Store, id int64, active int, slots map[string][]byte) {
	t.Helper()
	cols := "id, active"
	vals := []interface{}{id, active}
	placeholders := "?, ?"
	for col, blob := range slots {
		cols += ", " + col
		vals = append(vals, blob)
		placeholders += ", ?"
	}
	_, err := s.db.Exec("INSERT INTO employees ("+cols+") VALUES ("+placeholders+")", vals...)
	require.NoError(t, err)
}

func TestLoadAllAdmitsAnyUsableSlot(t *testing.T) {
	s := openTestStore(t)

	// Enrollment can leave slot 1 empty: a re-enrollment that replaced only
	// the later captures, or a partial capture session.
	insertEmployee(t, s, 42, 1, map[string][]byte{"template_2": []byte("img")})
	insertEmployee(t, s, 43, 1, map[string][]byte{"descriptors_4": []byte("blob")})
	insertEmployee(t, s, 44, 1, map[string][]byte{"template_1": []byte("img")})
	insertEmployee(t, s, 45, 1, nil)                                            // nothing enrolled
	insertEmployee(t, s, 46, 0, map[string][]byte{"template_1": []byte("img")}) // inactive

	records, err := s.LoadAll(context.Background())
	require.NoError(t, err)

	var ids []int64
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{42, 43, 44}, ids)
}

func TestLoadAllAgreesWithLoadEmployee(t *testing.T) {
	s := openTestStore(t)
	insertEmployee(t, s, 7, 1, map[string][]byte{"template_3": []byte("img")})

	rec, err := s.LoadEmployee(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), rec.Slots[2].Image)

	// The same employee must survive a full reload, or a sync would add an
	// entry the next rebuild silently drops.
	records, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(7), records[0].ID)
}

func TestLoadEmployeeMissingOrInactive(t *testing.T) {
	s := openTestStore(t)
	insertEmployee(t, s, 9, 0, map[string][]byte{"template_1": []byte("img")})

	_, err := s.LoadEmployee(context.Background(), 9)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	_, err = s.LoadEmployee(context.Background(), 999)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSaveDescriptorsWriteBack(t *testing.T) {
	s := openTestStore(t)
	insertEmployee(t, s, 5, 1, map[string][]byte{"template_2": []byte("img")})

	require.NoError(t, s.SaveDescriptors(context.Background(), 5, 2, []byte("blob")))

	rec, err := s.LoadEmployee(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), rec.Slots[1].Descriptors)

	assert.Error(t, s.SaveDescriptors(context.Background(), 5, 0, nil))
	assert.Error(t, s.SaveDescriptors(context.Background(), 5, 5, nil))
}
