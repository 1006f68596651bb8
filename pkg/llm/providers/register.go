// Package providers registers all built-in LLM provider factories.
//
// Import this package to register all provider factories with the global registry:
//
//	import _ "github.com/tombee/deploygraph/pkg/llm/providers"
//
// This registers factories but does not instantiate providers.
// Call llm.Activate() to instantiate providers based on configuration.
package providers

import (
	"github.com/tombee/deploygraph/pkg/llm"
)

func init() {
	// Anthropic - API-based provider for Claude models, used by the plan
	// and codegen workflows for manifest generation.
	llm.RegisterFactory("anthropic", NewAnthropicWithCredentials)
}
