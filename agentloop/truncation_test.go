package agentloop

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateOutput(t *testing.T) {
	long := strings.Repeat("a", 50) + strings.Repeat("b", 50)

	tests := []struct {
		name       string
		output     string
		max        int
		mode       TruncationMode
		wantPrefix string
		wantSuffix string
		wantMarker string
	}{
		{"under limit", "short", 10, TruncateHeadTail, "short", "short", ""},
		{"head tail", long, 20, TruncateHeadTail, strings.Repeat("a", 10), strings.Repeat("b", 10), "80 bytes were removed from the middle"},
		{"head", long, 20, TruncateHead, strings.Repeat("a", 20), "Narrow the request to see the rest.]", "last 80 bytes were removed"},
		{"no limit", long, 0, TruncateHead, long, long, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateOutput(tt.output, tt.max, tt.mode)
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("expected prefix %q, got %q", tt.wantPrefix, got)
			}
			if !strings.HasSuffix(got, tt.wantSuffix) {
				t.Errorf("expected suffix %q, got %q", tt.wantSuffix, got)
			}
			if tt.wantMarker != "" && !strings.Contains(got, tt.wantMarker) {
				t.Errorf("expected marker %q in %q", tt.wantMarker, got)
			}
		})
	}
}

func TestTruncateOutputKeepsRunesWhole(t *testing.T) {
	output := strings.Repeat("é", 40) // 2 bytes each
	for limit := 1; limit < len(output); limit++ {
		for _, mode := range []TruncationMode{TruncateHeadTail, TruncateHead} {
			if got := TruncateOutput(output, limit, mode); !utf8.ValidString(got) {
				t.Fatalf("limit %d mode %s produced invalid UTF-8", limit, mode)
			}
		}
	}
}

func TestTruncateToolOutputLimits(t *testing.T) {
	output := strings.Repeat("x", 3000)

	if got := TruncateToolOutput(output, ToolReadFile, nil); got != output {
		t.Error("read_file output under its default limit should be untouched")
	}
	if got := TruncateToolOutput(output, ToolWriteFile, nil); got == output {
		t.Error("write_file output over its default limit should be truncated")
	}
	if got := TruncateToolOutput(output, ToolReadFile, map[string]int{ToolReadFile: 100}); !strings.Contains(got, "WARNING") {
		t.Error("override limit should apply")
	}
	if got := TruncateToolOutput(output, "custom", nil); got != output {
		t.Error("unknown tools use the generous fallback limit")
	}
}
