package main

import (
	"strings"
	"testing"

	"accession/internal/api"
)

func TestProgressCell(t *testing.T) {
	tests := []struct {
		name string
		in   api.JobProgress
		want string
	}{
		{"counted", api.JobProgress{Num: 3, Total: 4, Percent: 75}, "3/4 (75%)"},
		{"no total", api.JobProgress{Percent: 100}, "100%"},
		{"not started", api.JobProgress{}, "0%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := progressCell(tt.in); got != tt.want {
				t.Fatalf("progressCell = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDepositRowsMarksIdleDeposits(t *testing.T) {
	rows := depositRows([]api.Deposit{
		{ID: "dep-1", State: "queued", Priority: "high", Depositor: "alice", SubmittedAt: "2026-01-02 03:04:05"},
		{ID: "dep-2", State: "running", Priority: "normal", Depositor: "bob", CurrentJob: "checksum"},
	})
	if len(rows) != 2 || len(rows[0]) != len(depositListColumns) {
		t.Fatalf("rows = %v", rows)
	}
	if rows[0][4] != "-" || rows[1][4] != "checksum" {
		t.Fatalf("current job cells = %q, %q", rows[0][4], rows[1][4])
	}
}

func TestRenderTableWrapsJobMessages(t *testing.T) {
	long := strings.Repeat("checksum mismatch ", 8)
	out := renderTable(depositJobColumns, jobRows([]api.Job{{
		Label:    "Checksum",
		Status:   "failed",
		Progress: api.JobProgress{Num: 1, Total: 2, Percent: 50},
		Attempts: 3,
		Message:  long,
	}}))
	for _, want := range []string{"Job", "Attempts", "Checksum", "1/2 (50%)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, long) {
			t.Fatalf("message not wrapped:\n%s", out)
		}
	}
	if got := strings.Count(out, "mismatch"); got != 8 {
		t.Fatalf("message words = %d, want 8:\n%s", got, out)
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable(depositCountColumns, [][]string{{"queued"}})
	if !strings.Contains(out, "queued") || !strings.Contains(out, "Count") {
		t.Fatalf("unexpected table:\n%s", out)
	}
	if renderTable(nil, nil) != "" {
		t.Fatal("expected empty output without columns")
	}
}
