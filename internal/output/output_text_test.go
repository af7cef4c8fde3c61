package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tkjaer/pong/internal/shared"
)

func TestFormatCell(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		width     int
		alignment cellAlignment
		want      string
	}{
		{"left align short", "hello", 10, alignLeft, "hello     "},
		{"right align short", "world", 10, alignRight, "     world"},
		{"left align exact", "exact", 5, alignLeft, "exact"},
		{"right align wide", "toolong", 3, alignRight, "toolong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatCell(tt.value, tt.width, tt.alignment)
			if got != tt.want {
				t.Errorf("formatCell(%q, %d, %v) = %q, want %q", tt.value, tt.width, tt.alignment, got, tt.want)
			}
		})
	}
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	out := NewTextOutput(&buf)
	if out.styled {
		t.Fatal("NewTextOutput() styled a non-terminal writer")
	}

	out.Start(shared.OutputInfo{
		Destination: "example.test",
		IP:          "192.0.2.1",
		PTR:         "host.example.test",
		Port:        65000,
		Method:      "HEAD",
	})
	out.Sample(shared.Sample{Seq: 1, IP: "192.0.2.1", Port: 65000, Outcome: shared.OutcomeRejected, DeltaMs: 14})
	out.Sample(shared.Sample{Seq: 2, IP: "192.0.2.1", Port: 65000, Outcome: shared.OutcomeTimeout})
	out.Sample(shared.Sample{Seq: 3, IP: "192.0.2.1", Port: 65000, Outcome: shared.OutcomeIncomplete, Error: "incomplete result"})
	out.Complete(shared.Stats{Sent: 3, Received: 1, Lost: 2, LossPct: 66.6, Min: 14, Avg: 14, Max: 14})

	got := buf.String()
	for _, want := range []string{
		"PONG example.test [host.example.test] (192.0.2.1) port 65000, HEAD\n",
		"seq=1     192.0.2.1:65000    14 ms\n",
		"seq=2     192.0.2.1:65000 request timed out\n",
		"seq=3     192.0.2.1:65000 incomplete result\n",
		"--- example.test pong statistics ---\n",
		"3 sent, 1 rejected, 66.6% loss\n",
		"min/avg/max/stddev = 14/14/14/0.00 ms\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q\ngot:\n%s", want, got)
		}
	}
}

func TestTextOutput_NoLatencySummary(t *testing.T) {
	var buf bytes.Buffer
	out := NewTextOutput(&buf)
	out.Start(shared.OutputInfo{Destination: "192.0.2.1", IP: "192.0.2.1", Port: 65000, Method: "HEAD", Capture: true})
	out.Complete(shared.Stats{Sent: 2, Lost: 2, LossPct: 100})

	got := buf.String()
	if !strings.Contains(got, "(wire timestamps)") {
		t.Errorf("output missing capture note:\n%s", got)
	}
	if strings.Contains(got, "min/avg/max") {
		t.Errorf("output has latency summary without samples:\n%s", got)
	}
}
