package llm

import "testing"

func TestUsageAdd(t *testing.T) {
	a := Usage{PromptTokens: 100, CompletionTokens: 20}
	b := Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}

	sum := a.Add(b)
	if sum.PromptTokens != 110 || sum.CompletionTokens != 40 || sum.Total() != 150 {
		t.Fatalf("unexpected usage sum: %+v", sum)
	}
}
