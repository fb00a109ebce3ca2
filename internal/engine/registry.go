package engine

// Registry maps a remote notice id to the id of the message posted for it in
// one destination. Entries are never removed; it lives as long as the engine.
//
// Not safe for concurrent use; only the engine loop touches it.
type Registry struct {
	m map[string]string
}

func NewRegistry() *Registry { return &Registry{m: map[string]string{}} }

func (r *Registry) Get(noticeID string) (messageID string, ok bool) {
	messageID, ok = r.m[noticeID]
	return messageID, ok
}

func (r *Registry) Set(noticeID, messageID string) { r.m[noticeID] = messageID }

func (r *Registry) Len() int { return len(r.m) }
