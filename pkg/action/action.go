package action

import "context"

// Action defines the hooks every conversational action must satisfy.
type Action interface {
	// Info returns the static metadata for the action.
	Info() Info
	// Configure allows the action to inspect its configuration block prior to use.
	// Implementations may mutate the configuration map to inject defaults.
	Configure(cfg map[string]any) error
	// Validate reports whether the incoming message is relevant to this action.
	// It must be cheap and must not mutate any state.
	Validate(ctx context.Context, msg Message) (bool, error)
	// Handle executes the action against the message and produces a reply.
	Handle(ctx context.Context, msg Message) (*Outcome, error)
}

// Message is the conversational input routed through the action registry.
type Message struct {
	// ID uniquely identifies the message within the system.
	ID string
	// UserID identifies the chat user the message belongs to.
	UserID string
	// Address is the wallet address bound to the conversation, if any.
	Address string
	// Text is the raw natural language content.
	Text string
}

// Outcome is the result an action hands back to the caller.
type Outcome struct {
	// Reply is the natural language response shown to the user.
	Reply string
	// TxHash carries the transaction hash for on-chain operations.
	TxHash string
	// Data holds structured fields callers may persist or render.
	Data map[string]any
	// Suggestions lists follow-up hints, typically populated on failure.
	Suggestions []string
}

// Option modifies the behaviour of a registry instance.
type Option func(*Registry)

// WithLoader overrides the default binary loader implementation.
func WithLoader(loader Loader) Option {
	return func(r *Registry) {
		if loader != nil {
			r.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(r *Registry) {
		if strategy != nil {
			r.isolation = strategy
		}
	}
}
