// Package session keeps conversation state for protocol sessions.
//
// Invariants:
// - Session ids are validated and path-safe before touching disk.
// - Snapshot writes for the same session are serialized and atomic.
// - Callers only ever receive deep copies; the store owns the originals.
// - At most one prompt is in flight per session.
//
// Usage:
//
//	store, _ := session.NewStore(session.StoreConfig{Dir: "/tmp/pilot/sessions", Persist: true})
//	st, _ := store.New(ctx, "/work/repo", nil)
//	q, _ := store.BeginPrompt(st.ID)
//	defer store.EndPrompt(st.ID, q)
package session
