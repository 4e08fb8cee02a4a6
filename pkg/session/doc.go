// Package session models agent conversations and persists them.
//
// A Session is an append-only transcript owned by exactly one agent. Stores
// overwrite the whole record on Save; concurrent writers to the same id are
// last-writer-wins, so callers that need single-writer semantics serialize
// runs per session id (see agent.Manager).
//
// Invariants:
// - Session ids are non-empty and contain no "..", path separators or NUL.
// - Load reports ErrNotFound for absent, corrupt and unreadable records.
// - Delete is idempotent.
// - FileStore writes are atomic (temp file, fsync, rename).
//
// Usage:
//
//	store, _ := session.NewFileStore(session.FileStoreConfig{Dir: dir})
//	s := session.New("", "coder")
//	s.Append(session.Message{Role: session.RoleUser, Content: "hi"})
//	_ = store.Save(ctx, s)
package session
