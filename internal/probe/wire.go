package probe

// Wire shapes for the Ollama-compatible HTTP surface. Everything beyond
// the fields below is ignored on parse.

// tagsPayload mirrors GET /api/tags. Models is a pointer so a present-but-
// empty array can be told apart from a missing field.
type tagsPayload struct {
	Models *[]TagModel `json:"models"`
}

// TagModel is one entry of a tag listing.
type TagModel struct {
	Name    string           `json:"name"`
	Model   string           `json:"model,omitempty"`
	Size    int64            `json:"size,omitempty"`
	Details *TagModelDetails `json:"details,omitempty"`
}

// TagModelDetails carries the optional detail block of a tag entry.
type TagModelDetails struct {
	ParameterSize     string   `json:"parameter_size,omitempty"`
	QuantizationLevel string   `json:"quantization_level,omitempty"`
	Family            string   `json:"family,omitempty"`
	Families          []string `json:"families,omitempty"`
}

type generateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	Stream    bool   `json:"stream"`
	MaxTokens int    `json:"max_tokens"`
	System    string `json:"system,omitempty"`
}

type generateResponse struct {
	Model         string `json:"model"`
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	EvalCount     int64  `json:"eval_count"`
	EvalDuration  int64  `json:"eval_duration"`
	TotalDuration int64  `json:"total_duration"`
}

type versionResponse struct {
	Version string `json:"version"`
}

type psPayload struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// openAIModelList covers the LiteLLM-flavored enumeration endpoints
// /v1/models ({"data":[{"id":...}]}) and /v1/model/info
// ({"data":[{"model_name":...}]}).
type openAIModelList struct {
	Data []struct {
		ID        string `json:"id"`
		ModelName string `json:"model_name"`
	} `json:"data"`
}
