package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeedbackAction(t *testing.T) {
	for _, valid := range []string{"accept", "reject", "edit", "ignore"} {
		action, err := ParseFeedbackAction(valid)
		require.NoError(t, err)
		assert.Equal(t, FeedbackAction(valid), action)
	}

	_, err := ParseFeedbackAction("dismiss")
	assert.Error(t, err)
}

func TestFeedbackActionNegative(t *testing.T) {
	assert.True(t, ActionReject.Negative())
	assert.True(t, ActionEdit.Negative())
	assert.False(t, ActionAccept.Negative())
	assert.False(t, ActionIgnore.Negative())
}

type namingHandler struct{}

func (namingHandler) HandleAccept(FeedbackItem) string { return "accepted" }
func (namingHandler) HandleReject(FeedbackItem) string { return "rejected" }
func (namingHandler) HandleEdit(FeedbackItem) string   { return "edited" }
func (namingHandler) HandleIgnore(FeedbackItem) string { return "ignored" }

func TestDispatchAction(t *testing.T) {
	h := namingHandler{}
	assert.Equal(t, "accepted", DispatchAction[string](h, FeedbackItem{Action: ActionAccept}))
	assert.Equal(t, "rejected", DispatchAction[string](h, FeedbackItem{Action: ActionReject}))
	assert.Equal(t, "edited", DispatchAction[string](h, FeedbackItem{Action: ActionEdit}))
	assert.Equal(t, "ignored", DispatchAction[string](h, FeedbackItem{Action: ActionIgnore}))

	// Unparseable actions route to ignore so scoring stays total.
	assert.Equal(t, "ignored", DispatchAction[string](h, FeedbackItem{Action: "corrupted"}))
}

func TestActionHistogram(t *testing.T) {
	items := []FeedbackItem{
		{Action: ActionAccept},
		{Action: ActionAccept},
		{Action: ActionReject},
		{Action: ActionEdit},
	}
	hist := ActionHistogram(items)
	assert.Equal(t, 2, hist[ActionAccept])
	assert.Equal(t, 1, hist[ActionReject])
	assert.Equal(t, 1, hist[ActionEdit])
	assert.Equal(t, 0, hist[ActionIgnore])
}
