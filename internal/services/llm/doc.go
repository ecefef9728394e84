// Package llm provides an Ollama client for the process stage.
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.Chat: send system/user prompts, receive the model reply.
// Client.ListModels, HasModel, Pull, Delete: model management.
// Client.Load, Unload, IsMemoryPressure: the guard.Loader contract, so a
// resource guard can keep one model resident per device.
//
// # Prompts
//
// SystemPrompt, UserPrompt and ContextSize build the request the way the
// processing service expects: instructions in the system turn, data and
// task in the user turn, num_ctx sized to the prompt.
//
// # Retry Behaviour
//
// The client retries on HTTP 408/429/5xx errors and network timeouts with
// exponential backoff (base 1s, max 10s, up to 3 attempts by default).
// Out-of-memory failures and context cancellation are never retried.
package llm
