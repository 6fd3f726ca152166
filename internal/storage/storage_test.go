package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// storeFactories lets the same suite run against every Store implementation.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "warden.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			return s
		},
	}
}

func testRecord(id, typ, agent string, ts time.Time) Record {
	return Record{
		ID:        id,
		Type:      typ,
		Agent:     agent,
		Timestamp: ts,
		Data:      []byte(`{"k":"v"}`),
	}
}

func TestPutGet(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			rec := testRecord("id-1", "agent_sandbox", "agent-a", time.Now().UTC())
			if err := s.Put(rec); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			got, err := s.Get("id-1", "agent_sandbox")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.ID != rec.ID || got.Type != rec.Type || got.Agent != rec.Agent {
				t.Errorf("got %+v, want %+v", got, rec)
			}
			if string(got.Data) != string(rec.Data) {
				t.Errorf("data mismatch: got %s", got.Data)
			}
		})
	}
}

func TestGetNotFound(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			_, err := s.Get("missing", "agent_sandbox")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestPutReplaces(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			rec := testRecord("id-1", "escalation_request", "agent-a", time.Now().UTC())
			if err := s.Put(rec); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			rec.Data = []byte(`{"k":"v2"}`)
			if err := s.Put(rec); err != nil {
				t.Fatalf("second Put failed: %v", err)
			}

			got, err := s.Get("id-1", "escalation_request")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if string(got.Data) != `{"k":"v2"}` {
				t.Errorf("expected replaced data, got %s", got.Data)
			}

			ids, err := s.ListIDs("escalation_request")
			if err != nil {
				t.Fatalf("ListIDs failed: %v", err)
			}
			if len(ids) != 1 {
				t.Errorf("expected 1 id after replace, got %d", len(ids))
			}
		})
	}
}

func TestListIDsByType(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			now := time.Now().UTC()
			_ = s.Put(testRecord("s-1", "agent_sandbox", "a", now))
			_ = s.Put(testRecord("e-1", "escalation_request", "a", now))
			_ = s.Put(testRecord("e-2", "escalation_request", "b", now))

			ids, err := s.ListIDs("escalation_request")
			if err != nil {
				t.Fatalf("ListIDs failed: %v", err)
			}
			if len(ids) != 2 {
				t.Errorf("expected 2 escalation ids, got %d: %v", len(ids), ids)
			}
		})
	}
}

func TestQueryFilters(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			_ = s.Put(testRecord("e-1", "escalation_request", "agent-a", base))
			_ = s.Put(testRecord("e-2", "escalation_request", "agent-b", base.Add(time.Hour)))
			_ = s.Put(testRecord("s-1", "agent_sandbox", "agent-a", base))

			recs, err := s.Query(Filter{Type: "escalation_request", Agent: "agent-a"})
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(recs) != 1 || recs[0].ID != "e-1" {
				t.Errorf("expected [e-1], got %+v", recs)
			}

			recs, err = s.Query(Filter{Type: "escalation_request", Since: base.Add(time.Minute)})
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(recs) != 1 || recs[0].ID != "e-2" {
				t.Errorf("expected [e-2], got %+v", recs)
			}
		})
	}
}
