package compliance

import "testing"

func TestScanContentClean(t *testing.T) {
	res := ScanContent("Flash sale this weekend, 20% off all flower. Show this text in store.", "CA")
	if !res.Approved {
		t.Fatalf("expected clean copy to pass, got issues %v", res.Issues)
	}
}

func TestScanContentHealthClaim(t *testing.T) {
	res := ScanContent("Our tinctures are the best treatment for insomnia!", "CA")
	if res.Approved {
		t.Fatal("expected health claim to be flagged")
	}
	if len(res.Issues) == 0 {
		t.Fatal("expected at least one issue")
	}
}

func TestScanContentMinorAppealing(t *testing.T) {
	res := ScanContent("New CANDY flavored gummies in stock", "CA")
	if res.Approved {
		t.Fatal("expected minor-appealing term to be flagged")
	}
}
