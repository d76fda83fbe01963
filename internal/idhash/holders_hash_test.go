package idhash

import (
	"testing"

	"reward-distributor/internal/domain"
)

func TestComputeHoldersHash(t *testing.T) {
	holders := []domain.Holder{
		{Wallet: "B", Balance: 10_000},
		{Wallet: "A", Balance: 20_000},
	}

	tests := []struct {
		name    string
		cycleID int64
		holders []domain.Holder
		same    bool
	}{
		{"identical input", 600_000, holders, true},
		{"reordered input", 600_000, []domain.Holder{holders[1], holders[0]}, true},
		{"different cycle", 1_200_000, holders, false},
		{"different balance", 600_000, []domain.Holder{{Wallet: "A", Balance: 20_001}, holders[0]}, false},
		{"subset", 600_000, holders[:1], false},
	}

	base := ComputeHoldersHash(600_000, holders)
	if len(base) != 64 {
		t.Fatalf("expected 64-char hash, got %d", len(base))
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeHoldersHash(tt.cycleID, tt.holders)
			if (got == base) != tt.same {
				t.Errorf("hash equality = %v, want %v", got == base, tt.same)
			}
		})
	}
}

func TestComputeHoldersHash_DoesNotReorderInput(t *testing.T) {
	holders := []domain.Holder{{Wallet: "B"}, {Wallet: "A"}}
	ComputeHoldersHash(1, holders)
	if holders[0].Wallet != "B" {
		t.Error("input slice was reordered")
	}
}

func TestComputeMessageHash(t *testing.T) {
	a := ComputeMessageHash([]byte("message"))
	b := ComputeMessageHash([]byte("message"))
	c := ComputeMessageHash([]byte("other"))

	if a != b {
		t.Error("expected deterministic hash")
	}
	if a == c {
		t.Error("expected different hashes for different messages")
	}
}
