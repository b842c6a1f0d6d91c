// Package openaicompat provides the provider implementation for any service
// that speaks the OpenAI Chat Completions format.
//
// OpenAI itself, DeepSeek, Groq, OpenRouter, vLLM and Ollama all accept the
// same request body, so a single implementation parameterised by base URL,
// endpoint path and header builder covers them. The API key is supplied per
// call by the dispatcher, which lets one Provider serve every credential of a
// profile.
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "deepseek",
//	    BaseURL:      "https://api.deepseek.com",
//	    DefaultModel: "deepseek-chat",
//	}, logger)
//	resp, err := p.Generate(ctx, secret, &providers.Request{Prompt: prompt})
package openaicompat
