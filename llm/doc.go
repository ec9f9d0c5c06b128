// Package llm is a small provider-agnostic model client used by the agent
// loop. It routes requests to a registered ProviderAdapter, applies
// middleware, classifies provider failures into a typed error hierarchy, and
// retries retryable failures with exponential backoff.
//
// The default backend is GollmAdapter, which wraps
// github.com/teilomillet/gollm:
//
//	adapter, err := llm.NewGollmAdapter("openai", os.Getenv("OPENAI_API_KEY"),
//	    llm.WithModel("gpt-4o-mini"))
//	client := llm.NewClient(llm.WithProvider("openai", adapter))
//
//	resp, err := client.Complete(ctx, llm.Request{
//	    Messages: []llm.Message{llm.UserMessage("list the files")},
//	    ToolDefs: defs,
//	})
//
// Streaming adapters deliver StreamEvents on a channel; a StreamAccumulator
// folds them back into a Response.
package llm
