// Package pairing holds the symmetric partner-of relation for active
// sessions. Every link is stored as two directed entries that are written and
// removed together. The table does not lock; the signaling state store
// serializes access.
package pairing

// Table maps each paired session to its partner.
type Table struct {
	partners map[string]string
}

// NewTable creates an empty pairing table.
func NewTable() *Table {
	return &Table{partners: make(map[string]string)}
}

// Partner returns the partner of id, if any.
func (t *Table) Partner(id string) (string, bool) {
	p, ok := t.partners[id]
	return p, ok
}

// Link pairs a and b in both directions. Any existing pairing of either side
// is dissolved first so the relation stays symmetric.
func (t *Table) Link(a, b string) {
	t.Unlink(a)
	t.Unlink(b)
	t.partners[a] = b
	t.partners[b] = a
}

// Unlink removes both directions of the pairing that includes id and returns
// the former partner.
func (t *Table) Unlink(id string) (string, bool) {
	p, ok := t.partners[id]
	if !ok {
		return "", false
	}
	delete(t.partners, id)
	if back, ok := t.partners[p]; ok && back == id {
		delete(t.partners, p)
	}
	return p, true
}

// Pairs returns the number of active pairings.
func (t *Table) Pairs() int {
	return len(t.partners) / 2
}
