package dispatch

import (
	"strings"

	"github.com/ferro-labs/openai-relay/catalog"
	"github.com/ferro-labs/openai-relay/identity"
)

const (
	maxTokensKey           = "max_tokens"
	maxCompletionTokensKey = "max_completion_tokens"
)

// IsReasoningModel reports whether model belongs to the o1/o3 families.
func IsReasoningModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3-")
}

// ApplyModelQuirks rewrites req for the target backend:
//   - o1/o3 models take max_completion_tokens instead of max_tokens and a
//     leading system message becomes "user" (o1-mini, o1-preview) or
//     "developer";
//   - other models sent to non-canonical endpoints get max_tokens back;
//   - max_tokens is dropped whenever both keys remain.
func ApplyModelQuirks(req *Request, baseURL string) {
	switch {
	case IsReasoningModel(req.Model):
		if v, ok := req.param(maxTokensKey); ok {
			req.setParam(maxCompletionTokensKey, v)
			delete(req.Params, maxTokensKey)
		}
		if len(req.Messages) > 0 && req.Messages[0].Role() == "system" {
			m := strings.ToLower(req.Model)
			if strings.HasPrefix(m, "o1-mini") || strings.HasPrefix(m, "o1-preview") {
				req.Messages[0].SetRole("user")
			} else {
				req.Messages[0].SetRole("developer")
			}
		}
	case !catalog.IsCanonical(baseURL):
		if v, ok := req.param(maxCompletionTokensKey); ok {
			req.setParam(maxTokensKey, v)
			delete(req.Params, maxCompletionTokensKey)
		}
	}

	if _, ok := req.param(maxTokensKey); ok {
		if _, ok := req.param(maxCompletionTokensKey); ok {
			delete(req.Params, maxTokensKey)
		}
	}
}

// InjectCaller adds the caller identity as the payload "user" object.
func InjectCaller(req *Request, caller *identity.Caller) {
	if caller == nil {
		return
	}
	req.setParam("user", caller.Payload())
}

const (
	openRouterHost  = "openrouter.ai"
	openRouterRefer = "https://github.com/ferro-labs/openai-relay"
	openRouterTitle = "OpenAI Relay"
)

// vendorHeaders returns extra headers required by known aggregators.
func vendorHeaders(baseURL string) map[string]string {
	if strings.Contains(baseURL, openRouterHost) {
		return map[string]string{
			"HTTP-Referer": openRouterRefer,
			"X-Title":      openRouterTitle,
		}
	}
	return nil
}
