package orchestrator

// BuiltinDefinitions are the campaign templates seeded at startup. They ship
// active so an activation can run end to end against the builtin agents with
// nothing else configured.
var BuiltinDefinitions = []Definition{
	{
		ID:      "def_tpl_full_campaign",
		Name:    "full_campaign",
		Version: "v1",
		Status:  DefinitionActive,
		Stages: []Stage{
			{Name: "trend", AgentName: "trend_analysis"},
			{Name: "content", AgentName: "content_creation", InputMapping: map[string]string{
				"topic":    "input.topic",
				"hashtags": "trend.hashtags",
			}},
			{Name: "caption", AgentName: "caption_writer", InputMapping: map[string]string{
				"body": "content.body",
			}},
			{Name: "schedule", AgentName: "scheduling", InputMapping: map[string]string{
				"draft_id": "content.draft_id",
			}},
			{Name: "measure", AgentName: "analytics", Idempotent: true, MaxRetries: 2},
		},
	},
	{
		ID:      "def_tpl_trend_scan",
		Name:    "trend_scan",
		Version: "v1",
		Status:  DefinitionActive,
		Stages: []Stage{
			{Name: "trend", AgentName: "trend_analysis"},
			{Name: "measure", AgentName: "analytics", Idempotent: true, MaxRetries: 2},
		},
	},
}
