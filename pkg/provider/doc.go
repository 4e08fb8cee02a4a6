// Package provider adapts hosted model APIs to agent.CompletionProvider and
// adds retry and failover around them.
//
// Backends live in subpackages (anthropic, openai, gemini). FromConfig builds
// the provider chain described by the config file: each profile is wrapped
// with WithRetry, and several profiles are combined with NewFailover.
package provider
