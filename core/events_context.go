package core

import "context"

type eventCtxKey string

const eventCtxKeyTrigger eventCtxKey = "kcbridge.trigger"

// WithTrigger annotates ctx so coordinator transitions record what started them (e.g. "http", "cli").
func WithTrigger(ctx context.Context, trigger string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if trigger == "" {
		return context.WithValue(ctx, eventCtxKeyTrigger, nil)
	}
	return context.WithValue(ctx, eventCtxKeyTrigger, trigger)
}

func triggerFromContext(ctx context.Context) *string {
	if ctx == nil {
		return nil
	}
	s, ok := ctx.Value(eventCtxKeyTrigger).(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}
