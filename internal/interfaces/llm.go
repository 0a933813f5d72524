package interfaces

import "context"

// ModelFamily names the provider family a worker wants its completion
// from. The provider factory maps families onto configured backends.
type ModelFamily string

const (
	FamilyOpenAI    ModelFamily = "openai"
	FamilyAnthropic ModelFamily = "anthropic"
	FamilyGemini    ModelFamily = "gemini"
)

// CompletionRequest is a provider-agnostic text generation request.
type CompletionRequest struct {
	Prompt       string
	System       string
	Family       ModelFamily
	Model        string
	Temperature  float32
	MaxTokens    int
	JSONResponse bool
}

// LLMProvider is the opaque capability workers call for completions and
// embeddings. Implementations centralize retry and model mapping; workers
// implement their own rule-based fallback when a call fails.
type LLMProvider interface {
	Complete(ctx context.Context, req *CompletionRequest) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}

// AuthService verifies bearer tokens presented on the realtime channel.
type AuthService interface {
	// VerifyToken returns the authenticated user id or an error.
	VerifyToken(token string) (string, error)
	// IssueToken mints a token for a user id (used by tests and tooling).
	IssueToken(userID string) (string, error)
}
