package moderation

import (
	"strings"
	"testing"
)

func TestNewFilter(t *testing.T) {
	f := NewFilter()
	if f == nil {
		t.Fatal("NewFilter returned nil")
	}
	if len(f.terms) == 0 {
		t.Fatal("NewFilter created an empty filter")
	}
}

func TestCheck_BannedTerms(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "cash only deal"})

	tests := []struct {
		name     string
		input    string
		approved bool
		flag     string
	}{
		{"exact match", "badword", false, "profanity: badword"},
		{"in sentence", "this is badword here", false, "profanity: badword"},
		{"case insensitive", "BADWORD", false, "profanity: badword"},
		{"mixed case", "BaDwOrD", false, "profanity: badword"},
		{"substring hit", "mybadwording", false, "profanity: badword"},
		{"phrase", "let's make it a CASH ONLY deal", false, "profanity: cash only deal"},
		{"clean message", "hello world", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.IsApproved != tt.approved {
				t.Errorf("Check(%q).IsApproved = %v, want %v", tt.input, result.IsApproved, tt.approved)
			}
			if tt.flag != "" {
				if len(result.Flags) == 0 || result.Flags[0] != tt.flag {
					t.Errorf("Check(%q).Flags = %v, want first flag %q", tt.input, result.Flags, tt.flag)
				}
			}
		})
	}
}

func TestCheck_RejectedContentReplaced(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword"})

	result := f.Check("a badword in here")
	if result.IsApproved {
		t.Fatal("expected rejection")
	}
	if result.FilteredContent != Placeholder {
		t.Errorf("FilteredContent = %q, want placeholder", result.FilteredContent)
	}
}

func TestCheck_CleanMessage(t *testing.T) {
	f := NewFilter()

	messages := []string{
		"hello, when can you start the job?",
		"the kitchen sink is still leaking",
		"I can come by tomorrow morning",
		"thanks, see you then",
	}

	for _, msg := range messages {
		result := f.Check(msg)
		if !result.IsApproved {
			t.Errorf("Check(%q).IsApproved = false, want true (flags: %v)", msg, result.Flags)
		}
		if len(result.Flags) != 0 {
			t.Errorf("Check(%q).Flags = %v, want empty", msg, result.Flags)
		}
		if result.FilteredContent != msg {
			t.Errorf("Check(%q).FilteredContent = %q, want unchanged", msg, result.FilteredContent)
		}
	}
}

func TestCheck_SuspiciousPatterns(t *testing.T) {
	f := NewFilter()

	tests := []struct {
		name   string
		input  string
		source string
	}{
		{"phone dashes", "Call me at 555-123-4567", "phone"},
		{"phone parens", "reach me on (555) 123-4567", "phone"},
		{"email", "send it to bob@example.com please", "email"},
		{"url http", "details at https://example.com/job", "url"},
		{"url www", "see www.example.com", "url"},
		{"dollar amount", "I'll do it for $1,200.50", "dollar_amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if !result.IsApproved {
				t.Errorf("Check(%q).IsApproved = false, want true (suspicious patterns are informational)", tt.input)
			}
			want := "suspicious_pattern: " + tt.source
			found := false
			for _, flag := range result.Flags {
				if flag == want {
					found = true
				}
			}
			if !found {
				t.Errorf("Check(%q).Flags = %v, want to contain %q", tt.input, result.Flags, want)
			}
			if result.FilteredContent != tt.input {
				t.Errorf("Check(%q).FilteredContent = %q, want unchanged", tt.input, result.FilteredContent)
			}
		})
	}
}

func TestCheck_BannedAndSuspiciousTogether(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword"})

	result := f.Check("badword, call 555-123-4567")
	if result.IsApproved {
		t.Fatal("expected rejection")
	}
	if len(result.Flags) < 2 {
		t.Fatalf("Flags = %v, want profanity and suspicious_pattern entries", result.Flags)
	}
	if !strings.HasPrefix(result.Flags[0], "profanity: ") {
		t.Errorf("first flag = %q, want profanity entry first", result.Flags[0])
	}
}
