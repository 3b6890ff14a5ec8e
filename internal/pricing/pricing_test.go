package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	roastguard "github.com/eugener/roastguard/internal"
)

func testTable() *Table {
	return &Table{
		Models: map[string]Price{
			"haiku":  {InputPerMTok: decimal.RequireFromString("1"), OutputPerMTok: decimal.RequireFromString("5")},
			"sonnet": {InputPerMTok: decimal.RequireFromString("3"), OutputPerMTok: decimal.RequireFromString("15")},
		},
		PromptOverheadTokens: 1000,
		MaxOutputTokens:      1024,
		MaxInputBytes:        15000,
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	tbl := testTable()

	tests := []struct {
		name  string
		model string
		bytes int64
		want  roastguard.Micros
	}{
		{"known model", "haiku", 2000, 3000 + 1024*5},
		{"zero size uses max input", "haiku", 0, 16000 + 1024*5},
		{"unknown model uses worst price", "mystery", 2000, 3000*3 + 1024*15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tbl.Estimate(tt.model, tt.bytes); got != tt.want {
				t.Errorf("Estimate = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEstimateBoundsActual(t *testing.T) {
	t.Parallel()
	tbl := testTable()

	// Worst legal call: one token per byte, full overhead, full output.
	const input = 4000
	actual := tbl.Cost("haiku", Usage{InputTokens: input + 1000, OutputTokens: 1024})
	if est := tbl.Estimate("haiku", input); est < actual {
		t.Errorf("estimate %d below worst-case actual %d", est, actual)
	}
}

func TestEstimateBoundsCacheWrites(t *testing.T) {
	t.Parallel()
	tbl := testTable()
	const input = 4000
	worst := Usage{CacheWriteTokens: input + 1000, OutputTokens: 1024}
	actual := tbl.Cost("haiku", worst)

	if est := tbl.Estimate("haiku", input); est >= actual {
		t.Fatalf("without prompt caching estimate %d should not cover all-write actual %d", est, actual)
	}
	tbl.PromptCaching = true
	if est := tbl.Estimate("haiku", input); est < actual {
		t.Errorf("estimate %d below worst-case cache-write actual %d", est, actual)
	}
	if est := tbl.Estimate("mystery", input); est < tbl.Cost("sonnet", worst) {
		t.Errorf("unknown model estimate %d below sonnet cache-write cost", est)
	}
}

func TestCostRoundsUp(t *testing.T) {
	t.Parallel()
	tbl := &Table{Models: map[string]Price{
		"cheap": {InputPerMTok: decimal.RequireFromString("0.25"), OutputPerMTok: decimal.RequireFromString("1.25")},
	}}
	// 3 * 0.25 + 1 * 1.25 = 2.0; 1 * 0.25 + 0 = 0.25 -> 1
	if got := tbl.Cost("cheap", Usage{InputTokens: 3, OutputTokens: 1}); got != 2 {
		t.Errorf("Cost = %d, want 2", got)
	}
	if got := tbl.Cost("cheap", Usage{InputTokens: 1}); got != 1 {
		t.Errorf("Cost = %d, want 1", got)
	}
}

func TestCostFromUsage(t *testing.T) {
	t.Parallel()
	tbl := testTable()

	tests := []struct {
		name    string
		model   string
		raw     string
		want    roastguard.Micros
		wantErr bool
	}{
		{
			name:  "anthropic response",
			model: "haiku",
			raw:   `{"id":"msg_1","model":"haiku","usage":{"input_tokens":1200,"output_tokens":300}}`,
			want:  1200 + 300*5,
		},
		{
			name:  "anthropic cache writes carry the premium",
			model: "haiku",
			raw:   `{"usage":{"input_tokens":100,"cache_read_input_tokens":50,"cache_creation_input_tokens":50,"output_tokens":10}}`,
			// 150 at 1.00, 50 at 1.25 = 62.5 -> rounds up with the rest
			want: 150 + 63 + 50,
		},
		{
			name:  "cache write premium follows the model price",
			model: "sonnet",
			raw:   `{"usage":{"input_tokens":0,"cache_creation_input_tokens":1000,"output_tokens":0}}`,
			want:  3750,
		},
		{
			name:  "openai usage object",
			model: "sonnet",
			raw:   `{"prompt_tokens":1000,"completion_tokens":100,"total_tokens":1100}`,
			want:  3000 + 1500,
		},
		{
			name:  "response model overrides",
			model: "haiku",
			raw:   `{"model":"sonnet","usage":{"input_tokens":1000,"output_tokens":0}}`,
			want:  3000,
		},
		{name: "no counts", model: "haiku", raw: `{"usage":{}}`, wantErr: true},
		{name: "not json", model: "haiku", raw: `usage`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, _, err := tbl.CostFromUsage(tt.model, []byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, roastguard.ErrBadRequest) {
					t.Errorf("err = %v, want ErrBadRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("cost = %d, want %d", got, tt.want)
			}
		})
	}
}
