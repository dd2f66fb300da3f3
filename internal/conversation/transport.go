package conversation

import "context"

// Transport is the outbound half of a voice adapter. Implementations
// deliver streamed reply tokens to the caller and close the call.
type Transport interface {
	// SendToken delivers one chunk of reply text. final marks the end
	// of a reply.
	SendToken(text string, final bool) error
	// End closes the conversation on the transport side.
	End(payload map[string]any) error
}

// Setup describes an incoming conversation from the transport.
type Setup struct {
	SessionID string
	Caller    string
	Transport Transport
}

// Hooks is the inbound half of a voice adapter: the gateway calls these
// as frames arrive.
type Hooks interface {
	OnSetup(ctx context.Context, setup Setup) error
	OnPrompt(ctx context.Context, sessionID, text string) error
	OnInterrupt(ctx context.Context, sessionID string) error
	OnEnd(ctx context.Context, sessionID string, payload map[string]any) error
}
