package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/normanking/scholar/internal/conversation"
	"github.com/normanking/scholar/internal/llm"
)

type fakeProvider struct {
	reply   string
	err     error
	lastReq *llm.ChatRequest
}

func (f *fakeProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.reply}, nil
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) Available() bool { return true }

func TestClassify_ParsesJSONReply(t *testing.T) {
	provider := &fakeProvider{reply: `{"domain": "science", "confidence": 0.9}`}
	c := New(provider, "query-model", zerolog.Nop())

	got := c.Classify(context.Background(), "How does photosynthesis work?")

	assert.Equal(t, conversation.DomainScience, got.Domain)
	assert.Equal(t, 0.9, got.Confidence)
	assert.Equal(t, "query-model", provider.lastReq.Model)
}

func TestClassify_ToleratesProseAroundJSON(t *testing.T) {
	provider := &fakeProvider{reply: "Sure! Here is my answer:\n```json\n{\"domain\": \"history\", \"confidence\": 0.8}\n```"}
	c := New(provider, "m", zerolog.Nop())

	got := c.Classify(context.Background(), "When did Rome fall?")

	assert.Equal(t, conversation.DomainHistory, got.Domain)
	assert.Equal(t, 0.8, got.Confidence)
}

func TestClassify_ToleratesBracesInsideStrings(t *testing.T) {
	provider := &fakeProvider{reply: `{"domain": "science", "confidence": 0.9, "reason": "matches { physics"}`}
	c := New(provider, "m", zerolog.Nop())

	got := c.Classify(context.Background(), "What is entropy?")

	assert.Equal(t, conversation.DomainScience, got.Domain)
	assert.Equal(t, 0.9, got.Confidence)
}

func TestClassify_AcceptsBareLabel(t *testing.T) {
	provider := &fakeProvider{reply: "literature."}
	c := New(provider, "m", zerolog.Nop())

	got := c.Classify(context.Background(), "What is Hamlet about?")

	assert.Equal(t, conversation.DomainLiterature, got.Domain)
	assert.Equal(t, 0.75, got.Confidence)
}

func TestClassify_FailsOpenOnProviderError(t *testing.T) {
	provider := &fakeProvider{err: errors.New("upstream down")}
	c := New(provider, "m", zerolog.Nop())

	got := c.Classify(context.Background(), "anything")

	assert.Equal(t, conversation.DomainGeneral, got.Domain)
	assert.Equal(t, 0.0, got.Confidence)
}

func TestClassify_FailsOpenOnGarbageReply(t *testing.T) {
	tests := []string{
		"I cannot classify this.",
		`{"domain": "astrology", "confidence": 0.9}`,
		`{"domain": "science", "confidence": 7}`,
		"",
	}
	for _, reply := range tests {
		provider := &fakeProvider{reply: reply}
		c := New(provider, "m", zerolog.Nop())

		got := c.Classify(context.Background(), "anything")

		assert.Equal(t, conversation.DomainGeneral, got.Domain, "reply %q", reply)
		assert.Equal(t, 0.0, got.Confidence, "reply %q", reply)
	}
}

func TestClassify_BelowConfidenceFloorRoutesGeneral(t *testing.T) {
	provider := &fakeProvider{reply: `{"domain": "science", "confidence": 0.3}`}
	c := New(provider, "m", zerolog.Nop(), WithConfidenceFloor(0.5))

	got := c.Classify(context.Background(), "hmm")

	assert.Equal(t, conversation.DomainGeneral, got.Domain)
	assert.Equal(t, 0.3, got.Confidence, "original confidence is preserved")
}
