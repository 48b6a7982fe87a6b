package routing

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
)

func testBalancer() *SLABalancer {
	return NewSLABalancer(zerolog.New(io.Discard))
}

func TestDefaultSLATarget(t *testing.T) {
	target := DefaultSLATarget()
	if target.Weight != 1.0 {
		t.Fatalf("expected neutral default weight of 1.0, got %f", target.Weight)
	}
	if target.MaxP95LatencyMs <= 0 || target.MaxErrorRate <= 0 || target.MinAvailability <= 0 {
		t.Fatal("expected all default SLA thresholds to be positive")
	}
}

func TestSelectProviderPrefersLowerLatency(t *testing.T) {
	lb := testBalancer()
	lb.RegisterProvider("fast", DefaultSLATarget())
	lb.RegisterProvider("slow", DefaultSLATarget())

	lb.GetHealth("fast").RecordLatency(100)
	lb.GetHealth("slow").RecordLatency(9000)

	name, score := lb.SelectProvider(nil)
	if name != "fast" {
		t.Fatalf("expected fast provider to win on latency, got %q (score %f)", name, score)
	}
}

func TestSelectProviderSkipsUnhealthyProvider(t *testing.T) {
	lb := testBalancer()
	lb.RegisterProvider("healthy", DefaultSLATarget())
	lb.RegisterProvider("unhealthy", DefaultSLATarget())

	lb.GetHealth("unhealthy").RecordHealthCheck(false)

	name, _ := lb.SelectProvider(nil)
	if name != "healthy" {
		t.Fatalf("expected the healthy provider to be selected, got %q", name)
	}
}

func TestSelectProviderRestrictsToCandidates(t *testing.T) {
	lb := testBalancer()
	lb.RegisterProvider("a", DefaultSLATarget())
	lb.RegisterProvider("b", DefaultSLATarget())
	lb.GetHealth("b").RecordLatency(1) // b would otherwise win outright

	name, _ := lb.SelectProvider([]string{"a"})
	if name != "a" {
		t.Fatalf("expected candidate restriction to force selection of %q, got %q", "a", name)
	}
}

func TestSelectProviderEmptyWhenNoneRegistered(t *testing.T) {
	lb := testBalancer()
	name, score := lb.SelectProvider(nil)
	if name != "" || score != 0 {
		t.Fatalf("expected empty selection with no registered providers, got %q/%f", name, score)
	}
}

func TestRecordSuccessAndFailureAreIsolatedPerProvider(t *testing.T) {
	lb := testBalancer()
	lb.RegisterProvider("p1", DefaultSLATarget())
	lb.RegisterProvider("p2", DefaultSLATarget())

	for i := 0; i < 20; i++ {
		lb.RecordFailure("p1")
		lb.RecordSuccess("p2", 50)
	}

	name, _ := lb.SelectProvider(nil)
	if name != "p2" {
		t.Fatalf("expected p2 (all successes) to outscore p1 (all failures), got %q", name)
	}
}

func TestAddPenaltyLowersScore(t *testing.T) {
	lb := testBalancer()
	lb.RegisterProvider("p", DefaultSLATarget())
	health := lb.GetHealth("p")
	health.RecordLatency(100)

	before := lb.GetScores()[0].Score

	health.AddPenalty(0.5)
	after := lb.GetScores()[0].Score

	if after >= before {
		t.Fatalf("expected penalty to lower score: before=%f after=%f", before, after)
	}
}

func TestGetScoresSortedDescending(t *testing.T) {
	lb := testBalancer()
	lb.RegisterProvider("best", DefaultSLATarget())
	lb.RegisterProvider("worst", DefaultSLATarget())
	lb.GetHealth("best").RecordLatency(10)
	lb.GetHealth("worst").RecordLatency(10000)

	scores := lb.GetScores()
	if len(scores) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(scores))
	}
	if scores[0].Score < scores[1].Score {
		t.Fatal("expected scores sorted descending")
	}
	if scores[0].Name != "best" {
		t.Fatalf("expected best provider first, got %q", scores[0].Name)
	}
}

func TestGetHealthUnregisteredReturnsNil(t *testing.T) {
	lb := testBalancer()
	if lb.GetHealth("missing") != nil {
		t.Fatal("expected nil health tracker for an unregistered provider")
	}
}
