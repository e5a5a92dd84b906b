package journal

import (
	"path/filepath"
	"testing"

	"github.com/openmined/foliosync/internal/folio"
	"github.com/openmined/foliosync/internal/record"
	"github.com/openmined/foliosync/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ sync.ChangeJournal = (*ZoneJournal)(nil)

var (
	privateZone = record.Zone{Name: "Folios", Scope: record.ScopePrivate}
	sharedZone  = record.Zone{Name: "Folios", Owner: "alice", Scope: record.ScopeShared}
)

func openTestJournal(t *testing.T) (*ZoneJournal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j := NewZoneJournal(path)
	require.NoError(t, j.Open())
	t.Cleanup(func() {
		if j.db != nil {
			j.Close()
		}
	})
	return j, path
}

func TestZoneJournal_OpenTwice(t *testing.T) {
	j, _ := openTestJournal(t)
	assert.Error(t, j.Open())
}

func TestZoneJournal_EmptyToken(t *testing.T) {
	j, _ := openTestJournal(t)

	tok, err := j.Token(privateZone)
	require.NoError(t, err)
	assert.Nil(t, tok)

	records, err := j.Records(privateZone)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestZoneJournal_ApplyAndResume(t *testing.T) {
	j, path := openTestJournal(t)

	a := folio.NewRecord(privateZone, "a", "first")
	b := folio.NewRecord(privateZone, "b", "second")
	require.NoError(t, j.Apply(privateZone, []*record.Record{a, b}, nil, record.NewChangeToken("t1")))

	a2 := a.Clone()
	a2.Fields[folio.FieldTitle] = "a2"
	require.NoError(t, j.Apply(privateZone, []*record.Record{a2}, []record.RecordID{b.ID}, record.NewChangeToken("t2")))

	// state survives a reopen
	require.NoError(t, j.Close())
	j = NewZoneJournal(path)
	require.NoError(t, j.Open())
	defer j.Close()

	tok, err := j.Token(privateZone)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "t2", tok.String())

	records, err := j.Records(privateZone)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, a.ID, records[0].ID)

	f, ok := folio.FromRecord(records[0])
	require.True(t, ok)
	assert.Equal(t, "a2", f.Title)
}

func TestZoneJournal_ZonesAreIsolated(t *testing.T) {
	j, _ := openTestJournal(t)

	p := folio.NewRecord(privateZone, "mine", "")
	s := folio.NewRecord(sharedZone, "theirs", "")
	require.NoError(t, j.Apply(privateZone, []*record.Record{p}, nil, record.NewChangeToken("p1")))
	require.NoError(t, j.Apply(sharedZone, []*record.Record{s}, nil, record.NewChangeToken("s1")))

	records, err := j.Records(sharedZone)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, s.ID, records[0].ID)

	tok, err := j.Token(privateZone)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "p1", tok.String())

	require.NoError(t, j.Reset(sharedZone))

	tok, err = j.Token(sharedZone)
	require.NoError(t, err)
	assert.Nil(t, tok)

	records, err = j.Records(privateZone)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestZoneJournal_CloseTwice(t *testing.T) {
	j, _ := openTestJournal(t)
	require.NoError(t, j.Close())
	assert.Error(t, j.Close())
}
