package layout

import "testing"

func TestMergeHigherVersionWins(t *testing.T) {
	local := Record{Version: 3, WriterID: "a"}
	incoming := Record{Version: 4, WriterID: "b"}

	winner, incomingWon := Merge(local, incoming)
	if !incomingWon || winner.Version != 4 {
		t.Fatalf("incoming v4 should beat local v3, got winner %+v", winner)
	}

	winner, incomingWon = Merge(incoming, local)
	if incomingWon || winner.Version != 4 {
		t.Fatalf("local v4 should beat incoming v3, got winner %+v", winner)
	}
}

func TestMergeEqualVersionsBreakTiesOnWriterID(t *testing.T) {
	local := Record{Version: 7, WriterID: "device-a"}
	incoming := Record{Version: 7, WriterID: "device-b"}

	winner, incomingWon := Merge(local, incoming)
	if !incomingWon || winner.WriterID != "device-b" {
		t.Fatalf("greater writer id should win the tie, got %+v", winner)
	}

	// Reversed roles: the same record wins regardless of which side it is on.
	winner, incomingWon = Merge(incoming, local)
	if incomingWon || winner.WriterID != "device-b" {
		t.Fatalf("tie-break must be symmetric, got %+v", winner)
	}
}

func TestMergeIdenticalRecordsKeepLocal(t *testing.T) {
	rec := Record{Version: 2, WriterID: "same"}
	winner, incomingWon := Merge(rec, rec)
	if incomingWon {
		t.Fatal("identical records must not report an incoming win")
	}
	if winner.Version != 2 {
		t.Fatalf("unexpected winner: %+v", winner)
	}
}

func TestMergeDefaultsLoseToAnyRealRecord(t *testing.T) {
	defaults := Record{Version: 0, WriterID: "defaults"}
	saved := Record{Version: 1, WriterID: "device-a"}
	if _, incomingWon := Merge(defaults, saved); !incomingWon {
		t.Fatal("a saved record must beat the bootstrap defaults")
	}
}
