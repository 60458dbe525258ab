package conversation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_Validate(t *testing.T) {
	tests := []struct {
		name        string
		key         Key
		wantErr     bool
		isIsolation bool
	}{
		{"valid", Key{UserID: "alice", ThreadID: "t1"}, false, false},
		{"empty user", Key{ThreadID: "t1"}, true, true},
		{"empty thread", Key{UserID: "alice"}, true, false},
		{"both empty", Key{}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.isIsolation {
				assert.ErrorIs(t, err, ErrIsolation)
			}
		})
	}
}

func TestDomain_IsValid(t *testing.T) {
	for _, d := range AllDomains() {
		assert.True(t, d.IsValid(), "domain %s", d)
	}
	assert.False(t, Domain("astrology").IsValid())
	assert.False(t, Domain("").IsValid())
}

func TestParseDomain(t *testing.T) {
	assert.Equal(t, DomainScience, ParseDomain("science"))
	assert.Equal(t, DomainScience, ParseDomain(" Science "))
	assert.Equal(t, DomainGeneral, ParseDomain("astrology"))
	assert.Equal(t, DomainGeneral, ParseDomain(""))
}

func TestNew_RejectsInvalidKey(t *testing.T) {
	_, err := New(Key{UserID: "alice"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIsolation)
}

func TestState_QuestionAnchorsOnFirstUserMessage(t *testing.T) {
	state, err := New(Key{UserID: "alice", ThreadID: "t1"}, []Message{
		{Role: RoleAssistant, Content: "welcome back"},
	})
	require.NoError(t, err)

	state.Append(Message{Role: RoleUser, Content: "why is the sky blue?"})
	state.Append(Message{Role: RoleAssistant, Content: "[calling retrieve_local]"})
	state.Append(Message{Role: RoleUser, Content: "and at sunset?"})

	assert.Equal(t, "why is the sky blue?", state.Question())
}

func TestState_MessagesAreAppendOnlyCopies(t *testing.T) {
	state, err := New(Key{UserID: "alice", ThreadID: "t1"}, nil)
	require.NoError(t, err)

	state.Append(Message{Role: RoleUser, Content: "q"})
	got := state.Messages()
	got[0].Content = "mutated"

	assert.Equal(t, "q", state.Messages()[0].Content)
}

func TestState_AddDocumentsTruncatesOversizedContent(t *testing.T) {
	state, err := New(Key{UserID: "alice", ThreadID: "t1"}, nil)
	require.NoError(t, err)

	state.AddDocuments(Document{ID: "big", Content: strings.Repeat("x", maxDocumentChars+500)})

	docs := state.Documents()
	require.Len(t, docs, 1)
	assert.True(t, strings.HasSuffix(docs[0].Content, "... [truncated]"))
	assert.LessOrEqual(t, len(docs[0].Content), maxDocumentChars+len("... [truncated]"))
}

func TestState_AddDocumentsKeepsRecentWindow(t *testing.T) {
	state, err := New(Key{UserID: "alice", ThreadID: "t1"}, nil)
	require.NoError(t, err)

	for i := 0; i < maxRetainedDocuments+3; i++ {
		state.AddDocuments(Document{ID: string(rune('a' + i)), Content: "doc"})
	}

	docs := state.Documents()
	require.Len(t, docs, maxRetainedDocuments)
	assert.Equal(t, "d", docs[0].ID)
	assert.Equal(t, "h", docs[len(docs)-1].ID)
}
