package mcp

var stringArray = &Items{Type: "string"}

// ToolDefinitions returns the MCP tool definitions for the memory server.
func ToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name: "memory_record",
			Description: "Record an event from the current coding session. " +
				"Identical events are stored once. Use privacy_tags private to hide it from default reads, " +
				"block to drop it, redact to mask secrets.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"platform":     {Type: "string", Description: "Agent platform, e.g. claude or codex"},
					"project":      {Type: "string", Description: "Project identifier"},
					"session_id":   {Type: "string", Description: "Session identifier"},
					"event_type":   {Type: "string", Description: "Event type, e.g. user_prompt, tool_use, note"},
					"title":        {Type: "string", Description: "Short title"},
					"content":      {Type: "string", Description: "Event body"},
					"timestamp":    {Type: "string", Description: "RFC3339 time (default now)"},
					"tags":         {Type: "array", Description: "Descriptive tags", Items: stringArray},
					"privacy_tags": {Type: "array", Description: "Privacy tags", Items: stringArray},
				},
				Required: []string{"platform", "project", "session_id", "event_type"},
			},
		},
		{
			Name: "memory_search",
			Description: "Hybrid lexical and semantic search over recorded observations. " +
				"Returns ranked results with per-axis scores.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query":           {Type: "string", Description: "Natural language search query"},
					"project":         {Type: "string", Description: "Restrict to one project"},
					"session_id":      {Type: "string", Description: "Restrict to one session"},
					"limit":           {Type: "number", Description: "Maximum results (default 20, max 100)", Default: 20},
					"include_private": {Type: "boolean", Description: "Include private observations", Default: false},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "memory_feed",
			Description: "List observations newest first. Pass next_cursor from a previous call to continue.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"project":    {Type: "string", Description: "Restrict to one project"},
					"session_id": {Type: "string", Description: "Restrict to one session"},
					"event_type": {Type: "string", Description: "Restrict to one event type"},
					"cursor":     {Type: "string", Description: "Opaque cursor from meta.next_cursor"},
					"limit":      {Type: "number", Description: "Page size (default 20, max 200)", Default: 20},
				},
			},
		},
		{
			Name:        "memory_timeline",
			Description: "Get the observations recorded just before and after an anchor observation.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":     {Type: "string", Description: "Anchor observation id (obs_...)"},
					"before": {Type: "number", Description: "Observations before the anchor (default 5)", Default: 5},
					"after":  {Type: "number", Description: "Observations after the anchor (default 5)", Default: 5},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "memory_get",
			Description: "Retrieve full observations by id. Accepts multiple ids for batch retrieval.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"ids":             {Type: "array", Description: "Observation ids", Items: stringArray},
					"include_private": {Type: "boolean", Description: "Include private observations", Default: false},
				},
				Required: []string{"ids"},
			},
		},
		{
			Name: "memory_finalize_session",
			Description: "End a session and store its summary. " +
				"Without a summary one is generated from the session's observations.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"session_id": {Type: "string", Description: "Session to finalize"},
					"summary":    {Type: "string", Description: "Optional summary text"},
				},
				Required: []string{"session_id"},
			},
		},
	}
}
