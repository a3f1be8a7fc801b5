package types

import "fmt"

// FeedbackAction is the closed set of user reactions to a draft.
type FeedbackAction string

const (
	ActionAccept FeedbackAction = "accept"
	ActionReject FeedbackAction = "reject"
	ActionEdit   FeedbackAction = "edit"
	ActionIgnore FeedbackAction = "ignore"
)

// ParseFeedbackAction validates a raw action string.
func ParseFeedbackAction(s string) (FeedbackAction, error) {
	switch FeedbackAction(s) {
	case ActionAccept, ActionReject, ActionEdit, ActionIgnore:
		return FeedbackAction(s), nil
	}
	return "", fmt.Errorf("unknown feedback action: %q", s)
}

// Negative reports whether the action counts toward the negative-feedback
// ratio used by the trigger gate.
func (a FeedbackAction) Negative() bool {
	return a == ActionReject || a == ActionEdit
}

// ActionHandler dispatches over the closed action set. Each variant gets its
// own method so new actions cannot be silently ignored at call sites.
type ActionHandler[T any] interface {
	HandleAccept(item FeedbackItem) T
	HandleReject(item FeedbackItem) T
	HandleEdit(item FeedbackItem) T
	HandleIgnore(item FeedbackItem) T
}

// DispatchAction routes an item to the matching handler method. Items whose
// action fails to parse are treated as ignore, which keeps downstream
// scoring total.
func DispatchAction[T any](h ActionHandler[T], item FeedbackItem) T {
	switch item.Action {
	case ActionAccept:
		return h.HandleAccept(item)
	case ActionReject:
		return h.HandleReject(item)
	case ActionEdit:
		return h.HandleEdit(item)
	default:
		return h.HandleIgnore(item)
	}
}

// ActionHistogram counts items per action, used for feedback summaries in
// the rewrite meta-prompt.
func ActionHistogram(items []FeedbackItem) map[FeedbackAction]int {
	hist := make(map[FeedbackAction]int, 4)
	for _, item := range items {
		hist[item.Action]++
	}
	return hist
}
