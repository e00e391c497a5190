package chat

// RequestConfig carries the per-request settings sent with every user turn.
type RequestConfig struct {
	APIKey                string
	Model                 string
	Provider              string
	SystemPromptSuffix    string
	OnlyNMostRecentImages int
	MaxTokens             int
}

// Request is the outbound frame. Messages always holds the full transcript.
type Request struct {
	Messages              Transcript `json:"messages"`
	APIKey                string     `json:"api_key"`
	Model                 string     `json:"model,omitempty"`
	Provider              string     `json:"provider,omitempty"`
	SystemPromptSuffix    string     `json:"system_prompt_suffix,omitempty"`
	OnlyNMostRecentImages *int       `json:"only_n_most_recent_images,omitempty"`
	MaxTokens             *int       `json:"max_tokens,omitempty"`
}

// BuildRequest appends a user turn holding input to t and returns the new
// transcript together with the request that carries it.
func BuildRequest(t Transcript, input string, cfg RequestConfig) (Transcript, Request) {
	next := t.Append(NewUserTurn(input))
	req := Request{
		Messages:           next,
		APIKey:             cfg.APIKey,
		Model:              cfg.Model,
		Provider:           cfg.Provider,
		SystemPromptSuffix: cfg.SystemPromptSuffix,
	}
	if cfg.OnlyNMostRecentImages > 0 {
		n := cfg.OnlyNMostRecentImages
		req.OnlyNMostRecentImages = &n
	}
	if cfg.MaxTokens > 0 {
		n := cfg.MaxTokens
		req.MaxTokens = &n
	}
	return next, req
}

// Redacted returns a copy of the request with the credential blanked out.
func (r Request) Redacted() Request {
	if r.APIKey != "" {
		r.APIKey = "[redacted]"
	}
	return r
}
