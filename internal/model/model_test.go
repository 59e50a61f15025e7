package model

import "testing"

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"single", ModeSingle, false},
		{" MULTI ", ModeMulti, false},
		{"both", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChoicesSetOps(t *testing.T) {
	c := NewChoices(3, 1, 3)
	if c.String() != "1&3" {
		t.Errorf("NewChoices(3,1,3) = %v, want 1&3", c)
	}
	if !c.Equal(Choices{3, 1}) {
		t.Error("expected set equality regardless of order")
	}
	if !NewChoices(1).SubsetOf(c) {
		t.Error("expected {1} subset of {1,3}")
	}
	if NewChoices(2).SubsetOf(c) {
		t.Error("expected {2} not subset of {1,3}")
	}

	c = c.Toggle(2)
	if c.String() != "1&2&3" {
		t.Errorf("Toggle(2) = %v, want 1&2&3", c)
	}
	c = c.Toggle(1)
	if c.String() != "2&3" {
		t.Errorf("Toggle(1) = %v, want 2&3", c)
	}
	if NewChoices() == nil {
		t.Error("expected empty, non-nil choices")
	}
}

func TestAnswerKeyQuestions(t *testing.T) {
	k := &AnswerKey{Mode: ModeSingle, Entries: map[int]Choices{10: {1}, 2: {3}, 7: {}}}
	got := k.Questions()
	want := []int{2, 7, 10}
	if len(got) != len(want) {
		t.Fatalf("Questions() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Questions() = %v, want %v", got, want)
		}
	}
	if k.Total() != 3 {
		t.Errorf("Total() = %d, want 3", k.Total())
	}
}

func TestCloneIsDeep(t *testing.T) {
	score := 4
	orig := StudentRecord{
		ID:      "a",
		Score:   &score,
		Answers: map[int]QuestionAnswer{1: {Answers: Choices{2}}},
	}
	cp := orig.Clone()
	*cp.Score = 9
	cp.Answers[1] = QuestionAnswer{Answers: Choices{5}}

	if *orig.Score != 4 {
		t.Errorf("clone shares score pointer")
	}
	if orig.Answers[1].Answers[0] != 2 {
		t.Errorf("clone shares answers map")
	}
}
