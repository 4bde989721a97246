package layout

// Merge arbitrates two records for the same identity using whole-document
// last-writer-wins: the higher version wins outright, and equal versions
// fall back to lexical writerId order (greater id wins). The policy is
// deliberately coarse -- no per-tab merging -- so concurrent-edit behavior
// stays predictable and testable. The second return value is true when the
// incoming record is the winner.
func Merge(local, incoming Record) (Record, bool) {
	if incoming.Version > local.Version {
		return incoming, true
	}
	if incoming.Version < local.Version {
		return local, false
	}
	if incoming.WriterID > local.WriterID {
		return incoming, true
	}
	return local, false
}
