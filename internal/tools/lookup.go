package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/vox/internal/lookup"
)

// CallerLookupDefinition describes the lookup_caller tool.
var CallerLookupDefinition = Definition{
	Name:        "lookup_caller",
	Description: "Look up the caller's profile by phone number.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"phone": {"type": "string", "description": "Phone number in E.164 or local format"}
		},
		"required": ["phone"]
	}`),
}

// NewCallerLookup builds the executor over the injected directory.
func NewCallerLookup(dir *lookup.Directory) Executor {
	return ExecutorFunc(func(_ context.Context, args map[string]any, _ *Context) (any, error) {
		phone, _ := args["phone"].(string)
		if phone == "" {
			return nil, fmt.Errorf("lookup_caller: missing phone")
		}
		profile, ok := dir.Lookup(phone)
		if !ok {
			return map[string]any{"found": false}, nil
		}
		return map[string]any{
			"found":        true,
			"name":         profile.Name,
			"account_tier": profile.AccountTier,
			"notes":        profile.Notes,
		}, nil
	})
}
