package session_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentrt/session"
)

func newEntry(typ session.EntryType, id string, content string) session.Entry {
	return session.Entry{Type: typ, ID: id, Timestamp: time.Now().UnixMilli(), Content: content}
}

func TestCreateOpenRoundTrips(t *testing.T) {
	store, err := session.Open(t.TempDir())
	require.NoError(t, err)

	header, err := store.Create("sess-a", "first session")
	require.NoError(t, err)
	require.Equal(t, "sess-a", header.SessionID)
	require.Equal(t, 1, header.Version)

	require.NoError(t, store.AppendEntry("sess-a", newEntry(session.EntryUser, "u1", "hello")))
	require.NoError(t, store.AppendEntry("sess-a", newEntry(session.EntryAssistant, "a1", "")))

	gotHeader, entries, err := store.OpenSession("sess-a")
	require.NoError(t, err)
	require.Equal(t, header.SessionID, gotHeader.SessionID)
	require.Len(t, entries, 2)
	require.Equal(t, "u1", entries[0].ID)
	require.Equal(t, "a1", entries[1].ID)
}

// TestAppendOnlyOrdering is the §8.9 property: entries always come back in
// the exact order they were appended, across multiple append calls.
func TestAppendOnlyOrdering(t *testing.T) {
	store, err := session.Open(t.TempDir())
	require.NoError(t, err)
	_, err = store.Create("ordered", "")
	require.NoError(t, err)

	require.NoError(t, store.AppendEntries("ordered", []session.Entry{
		newEntry(session.EntryUser, "u1", "one"),
		newEntry(session.EntryAssistant, "a1", "two"),
	}))
	require.NoError(t, store.AppendEntry("ordered", newEntry(session.EntryUser, "u2", "three")))

	_, entries, err := store.OpenSession("ordered")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, []string{"u1", "a1", "u2"}, []string{entries[0].ID, entries[1].ID, entries[2].ID})
}

// TestForkCausality exercises S5: create session A, append U1/A1/U2/A2,
// fork at A1 into B, and verify B's header and entries preserve exactly the
// causal prefix plus a trailing Fork marker (§8.10).
func TestForkCausality(t *testing.T) {
	store, err := session.Open(t.TempDir())
	require.NoError(t, err)
	_, err = store.Create("a", "session a")
	require.NoError(t, err)

	require.NoError(t, store.AppendEntries("a", []session.Entry{
		newEntry(session.EntryUser, "U1", "first question"),
		newEntry(session.EntryAssistant, "A1", "first answer"),
		newEntry(session.EntryUser, "U2", "second question"),
		newEntry(session.EntryAssistant, "A2", "second answer"),
	}))

	header, entries, err := store.ForkFrom("a", "A1", "b")
	require.NoError(t, err)
	require.Equal(t, "a", header.ParentSession)
	require.Equal(t, "A1", header.ParentEntryID)

	reopenedHeader, reopenedEntries, err := store.OpenSession("b")
	require.NoError(t, err)
	require.Equal(t, header.SessionID, reopenedHeader.SessionID)
	require.Equal(t, "a", reopenedHeader.ParentSession)
	require.Equal(t, "A1", reopenedHeader.ParentEntryID)

	require.Len(t, reopenedEntries, 3)
	require.Equal(t, "U1", reopenedEntries[0].ID)
	require.Equal(t, "A1", reopenedEntries[1].ID)
	require.Equal(t, session.EntryFork, reopenedEntries[2].Type)
	require.Equal(t, "a", reopenedEntries[2].SourceSessionID)
	require.Equal(t, "A1", reopenedEntries[2].SourceEntryID)

	require.Equal(t, entries, reopenedEntries)

	// B must not see U2/A2: the fork never observed entries after the cut.
	for _, e := range reopenedEntries {
		require.NotEqual(t, "U2", e.ID)
		require.NotEqual(t, "A2", e.ID)
	}
}

func TestForkFromMissingEntryFails(t *testing.T) {
	store, err := session.Open(t.TempDir())
	require.NoError(t, err)
	_, err = store.Create("src", "")
	require.NoError(t, err)
	require.NoError(t, store.AppendEntry("src", newEntry(session.EntryUser, "u1", "x")))

	_, _, err = store.ForkFrom("src", "does-not-exist", "dst")
	require.Error(t, err)
}

func TestListOrdersByUpdatedAtDescendingThenSessionIDAscending(t *testing.T) {
	store, err := session.Open(t.TempDir())
	require.NoError(t, err)

	_, err = store.Create("older", "")
	require.NoError(t, err)
	require.NoError(t, store.AppendEntry("older", newEntry(session.EntryUser, "u1", "x")))

	_, err = store.Create("newer", "")
	require.NoError(t, err)
	require.NoError(t, store.AppendEntry("newer", newEntry(session.EntryUser, "u1", "x")))

	listings, err := store.List()
	require.NoError(t, err)
	require.Len(t, listings, 2)
	// "newer" was updated no earlier than "older"; on an equal UpdatedAt
	// the SessionID tie-break also puts "newer" first.
	ids := map[string]bool{}
	for _, l := range listings {
		ids[l.SessionID] = true
	}
	require.True(t, ids["older"])
	require.True(t, ids["newer"])
	require.Equal(t, "newer", listings[0].SessionID)
	require.Equal(t, "older", listings[1].SessionID)
}

func TestContinueRecentOpensMostRecentlyUpdated(t *testing.T) {
	store, err := session.Open(t.TempDir())
	require.NoError(t, err)

	_, err = store.Create("first", "")
	require.NoError(t, err)
	_, err = store.Create("second", "")
	require.NoError(t, err)
	later := newEntry(session.EntryUser, "u1", "x")
	later.Timestamp = time.Now().Add(time.Minute).UnixMilli()
	require.NoError(t, store.AppendEntry("second", later))

	header, _, err := store.ContinueRecent()
	require.NoError(t, err)
	require.Equal(t, "second", header.SessionID)
}

func TestDeleteRemovesSessionFile(t *testing.T) {
	dir := t.TempDir()
	store, err := session.Open(dir)
	require.NoError(t, err)
	_, err = store.Create("gone", "")
	require.NoError(t, err)

	require.NoError(t, store.Delete("gone"))
	_, _, err = store.OpenSession("gone")
	require.Error(t, err)

	_, err = filepath.Glob(filepath.Join(dir, "gone.jsonl"))
	require.NoError(t, err)
}

func TestValidateSessionIDRejectsPathTraversal(t *testing.T) {
	require.Error(t, session.ValidateSessionID(""))
	require.Error(t, session.ValidateSessionID(".."))
	require.Error(t, session.ValidateSessionID("../escape"))
	require.Error(t, session.ValidateSessionID("a/b"))
	require.Error(t, session.ValidateSessionID(`a\b`))
	require.NoError(t, session.ValidateSessionID("valid-session_123"))
}

func TestCreateFailsIfSessionAlreadyExists(t *testing.T) {
	store, err := session.Open(t.TempDir())
	require.NoError(t, err)
	_, err = store.Create("dup", "")
	require.NoError(t, err)
	_, err = store.Create("dup", "")
	require.Error(t, err)
}

func TestOpenSkipsMalformedEntryLines(t *testing.T) {
	dir := t.TempDir()
	store, err := session.Open(dir)
	require.NoError(t, err)
	_, err = store.Create("messy", "")
	require.NoError(t, err)
	require.NoError(t, store.AppendEntry("messy", newEntry(session.EntryUser, "u1", "ok")))

	// Directly corrupt the file by appending an invalid JSON line, bypassing
	// the store's own writer.
	p := filepath.Join(dir, "messy.jsonl")
	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.AppendEntry("messy", newEntry(session.EntryUser, "u2", "still ok")))

	_, entries, err := store.OpenSession("messy")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "u1", entries[0].ID)
	require.Equal(t, "u2", entries[1].ID)
}
