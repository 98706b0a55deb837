package chatvault

import (
	"errors"
	"strings"
	"testing"
)

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		name     string
		messages []Message
		want     string
	}{
		{
			name:     "first user message",
			messages: []Message{{Role: RoleAssistant, Content: "hello"}, {Role: RoleUser, Content: "Fix the build, please!"}},
			want:     "Fix the build please",
		},
		{
			name:     "strips punctuation but keeps dashes",
			messages: []Message{{Role: RoleUser, Content: "rename foo_bar to foo-baz?"}},
			want:     "rename foo_bar to foo-baz",
		},
		{
			name:     "only first line",
			messages: []Message{{Role: RoleUser, Content: "short title\nlots of detail below"}},
			want:     "short title",
		},
		{
			name:     "skips punctuation-only messages",
			messages: []Message{{Role: RoleUser, Content: "???"}, {Role: RoleUser, Content: "real question"}},
			want:     "real question",
		},
		{
			name:     "no user messages",
			messages: []Message{{Role: RoleAssistant, Content: "hi"}},
			want:     EmptyTitle,
		},
		{
			name: "no messages",
			want: "[Empty conversation]",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveTitle(tc.messages); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestDeriveTitleCutsAtWordBoundary(t *testing.T) {
	content := strings.Repeat("word ", 20)
	title := DeriveTitle([]Message{{Role: RoleUser, Content: content}})
	if len(title) > maxTitleLength {
		t.Fatalf("expected title of at most %d chars, got %d", maxTitleLength, len(title))
	}
	if strings.HasSuffix(title, " ") || !strings.HasSuffix(title, "word") {
		t.Fatalf("expected title to end on a whole word, got %q", title)
	}
}

func TestSourceErrorClassification(t *testing.T) {
	corrupt := &SourceError{Location: "global", Kind: SourceCorrupt, Err: errors.New("file is not a database")}
	if !errors.Is(corrupt, ErrSourceCorrupt) || errors.Is(corrupt, ErrSourceUnavailable) {
		t.Fatalf("expected corrupt classification, got %v", corrupt)
	}
	for _, kind := range []SourceErrorKind{SourceUnavailable, SourceMissing, SourceTimeout} {
		err := &SourceError{Location: "global", Kind: kind}
		if !errors.Is(err, ErrSourceUnavailable) || errors.Is(err, ErrSourceCorrupt) {
			t.Fatalf("expected %s to classify as unavailable", kind)
		}
	}
}

func TestRestorePartialErrorIs(t *testing.T) {
	err := &RestorePartialError{Succeeded: []string{"a"}, Failed: map[string]error{"b": errors.New("x")}}
	if !errors.Is(err, ErrRestorePartialFailure) {
		t.Fatalf("expected partial failure sentinel")
	}
	if !strings.Contains(err.Error(), "1 succeeded, 1 failed") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	err.Failed = map[string]error{"zulu": errors.New("x"), "alpha": errors.New("y"), "mike": errors.New("z")}
	if !strings.HasSuffix(err.Error(), "(alpha, mike, zulu)") {
		t.Fatalf("expected failed ids sorted, got %s", err.Error())
	}
}

func TestSnapshotConversationIDsAreSortedAndUnique(t *testing.T) {
	snap := Snapshot{Conversations: []Conversation{{ID: "b"}, {ID: "a"}, {ID: "b"}}}
	ids := snap.ConversationIDs()
	if strings.Join(ids, ",") != "a,b" {
		t.Fatalf("expected a,b got %v", ids)
	}
}
