package turnend

import "testing"

func TestAnalyzeTerminalPunctuation(t *testing.T) {
	decision := Analyze("What time is it?")
	if !decision.Complete(0.6) {
		t.Fatalf("expected complete, got %+v", decision)
	}

	decision = Analyze("今天天气怎么样？")
	if !decision.Complete(0.6) {
		t.Fatalf("expected complete for CJK question, got %+v", decision)
	}
}

func TestAnalyzeTrailingConnective(t *testing.T) {
	for _, text := range []string{"I want to book a table and", "Tell me about the", "我想去北京然后"} {
		decision := Analyze(text)
		if decision.Complete(0.6) {
			t.Fatalf("expected incomplete for %q, got %+v", text, decision)
		}
	}
}

func TestAnalyzeContinuationAndAbbreviation(t *testing.T) {
	if Analyze("First of all,").Complete(0.6) {
		t.Fatal("expected trailing comma to be incomplete")
	}
	if Analyze("I'm seeing Dr.").Complete(0.6) {
		t.Fatal("expected abbreviation to be incomplete")
	}
}

func TestAnalyzeUnpunctuated(t *testing.T) {
	if Analyze("").Probability != 0 {
		t.Fatal("expected zero probability for empty text")
	}
	short := Analyze("hello")
	long := Analyze("what is the weather like tomorrow in paris")
	if short.Probability >= long.Probability {
		t.Fatalf("expected longer question to score higher: %v vs %v", short.Probability, long.Probability)
	}
	if long.Probability > 0.8 {
		t.Fatalf("unpunctuated probability should stay below punctuated, got %v", long.Probability)
	}
}
