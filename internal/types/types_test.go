package types

import "testing"

func TestSeverityRank(t *testing.T) {
	if !(SeverityInfo.Rank() < SeverityNotify.Rank() && SeverityNotify.Rank() < SeverityHigh.Rank()) {
		t.Fatal("severity ranks are not ordered info < notify < high")
	}
	if Severity("bogus").Valid() {
		t.Error("unknown severity reported valid")
	}
	if !SeverityHigh.Valid() {
		t.Error("high should be valid")
	}
}
