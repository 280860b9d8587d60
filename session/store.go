package session

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"agentrt/internal/logging"
)

// Store is a directory of {session_id}.jsonl files. There is no locking:
// concurrent writers to the same session are unsupported, matching spec
// §4.10/§5 — an orchestrator owns its session file exclusively.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating dir if absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: creating sessions directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) (string, error) {
	if err := ValidateSessionID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, id+".jsonl"), nil
}

// Create writes the header line and creates the file. Returns an error if
// the session already exists.
func (s *Store) Create(id string, title string) (Header, error) {
	p, err := s.path(id)
	if err != nil {
		return Header{}, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Header{}, fmt.Errorf("session: creating %q: %w", id, err)
	}
	defer f.Close()

	h := Header{Version: 1, SessionID: id, CreatedAt: timeNow().UnixMilli(), Title: title}
	if err := writeLine(f, h); err != nil {
		return Header{}, err
	}
	return h, nil
}

// OpenSession reads the header and all subsequent entries. Malformed lines are
// logged and skipped so a partially corrupt file still reads through
// (spec: "warned-and-skipped to preserve partial read-through").
func (s *Store) OpenSession(id string) (Header, []Entry, error) {
	p, err := s.path(id)
	if err != nil {
		return Header{}, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return Header{}, nil, fmt.Errorf("session: opening %q: %w", id, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		return Header{}, nil, fmt.Errorf("session: %q has no header line", id)
	}
	var header Header
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return Header{}, nil, fmt.Errorf("session: %q header is malformed: %w", id, err)
	}

	var entries []Entry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			logging.Default.Warn().Err(err).Str("session_id", id).Msg("session: skipping malformed entry line")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return Header{}, nil, fmt.Errorf("session: reading %q: %w", id, err)
	}
	return header, entries, nil
}

// AppendEntry opens the file for append and writes one newline-terminated
// JSON line in a single Write call.
func (s *Store) AppendEntry(id string, e Entry) error {
	return s.AppendEntries(id, []Entry{e})
}

// AppendEntries writes multiple entries as consecutive single-call writes.
// Entries are not fsynced between writes; durability is eventual per the
// Design Notes.
func (s *Store) AppendEntries(id string, entries []Entry) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("session: opening %q for append: %w", id, err)
	}
	defer f.Close()

	for _, e := range entries {
		if err := writeLine(f, e); err != nil {
			return err
		}
	}
	return nil
}

func writeLine(f *os.File, v any) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encoding entry: %w", err)
	}
	enc = append(enc, '\n')
	if _, err := f.Write(enc); err != nil {
		return fmt.Errorf("session: writing entry: %w", err)
	}
	return nil
}

// List enumerates the store's .jsonl files, sorted by UpdatedAt
// descending, ties broken by SessionID ascending for reproducibility.
func (s *Store) List() ([]Listing, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("session: listing sessions directory: %w", err)
	}

	listings := make([]Listing, 0, len(files))
	for _, fp := range files {
		id := strings.TrimSuffix(filepath.Base(fp), ".jsonl")
		header, entries, err := s.OpenSession(id)
		if err != nil {
			logging.Default.Warn().Err(err).Str("session_id", id).Msg("session: skipping unreadable session in listing")
			continue
		}
		updatedAt := header.CreatedAt
		for _, e := range entries {
			if e.Timestamp > updatedAt {
				updatedAt = e.Timestamp
			}
		}
		listings = append(listings, Listing{
			SessionID:       id,
			Title:           header.Title,
			CreatedAt:       header.CreatedAt,
			UpdatedAt:       updatedAt,
			EntryCount:      len(entries),
			ParentSessionID: header.ParentSession,
		})
	}

	sort.Slice(listings, func(i, j int) bool {
		if listings[i].UpdatedAt != listings[j].UpdatedAt {
			return listings[i].UpdatedAt > listings[j].UpdatedAt
		}
		return listings[i].SessionID < listings[j].SessionID
	})
	return listings, nil
}

// ContinueRecent opens the most recently updated session, per List order.
func (s *Store) ContinueRecent() (Header, []Entry, error) {
	listings, err := s.List()
	if err != nil {
		return Header{}, nil, err
	}
	if len(listings) == 0 {
		return Header{}, nil, fmt.Errorf("session: no sessions to continue")
	}
	return s.OpenSession(listings[0].SessionID)
}

// ForkFrom creates newID as a fork of sourceID at sourceEntryID: copies
// entries up to and including the fork point, then appends one Fork
// marker. Fails if sourceEntryID is absent from sourceID's entries.
func (s *Store) ForkFrom(sourceID, sourceEntryID, newID string) (Header, []Entry, error) {
	srcHeader, srcEntries, err := s.OpenSession(sourceID)
	if err != nil {
		return Header{}, nil, err
	}

	cut := -1
	for i, e := range srcEntries {
		if e.ID == sourceEntryID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return Header{}, nil, fmt.Errorf("session: entry %q not found in session %q", sourceEntryID, sourceID)
	}

	p, err := s.path(newID)
	if err != nil {
		return Header{}, nil, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Header{}, nil, fmt.Errorf("session: creating fork %q: %w", newID, err)
	}

	newHeader := Header{
		Version:       1,
		SessionID:     newID,
		ParentSession: srcHeader.SessionID,
		ParentEntryID: sourceEntryID,
		CreatedAt:     timeNow().UnixMilli(),
	}
	if err := writeLine(f, newHeader); err != nil {
		f.Close()
		return Header{}, nil, err
	}

	copied := append([]Entry(nil), srcEntries[:cut+1]...)
	for _, e := range copied {
		if err := writeLine(f, e); err != nil {
			f.Close()
			return Header{}, nil, err
		}
	}

	forkEntry := Entry{
		Type:            EntryFork,
		ID:              newEntryID(),
		ParentID:        sourceEntryID,
		Timestamp:       timeNow().UnixMilli(),
		SourceSessionID: sourceID,
		SourceEntryID:   sourceEntryID,
	}
	if err := writeLine(f, forkEntry); err != nil {
		f.Close()
		return Header{}, nil, err
	}
	f.Close()

	return newHeader, append(copied, forkEntry), nil
}

// Delete removes the session file.
func (s *Store) Delete(id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("session: deleting %q: %w", id, err)
	}
	return nil
}
