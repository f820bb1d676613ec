package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/utils"
)

// DefaultSummaryLength is the word budget when a summarize request omits one.
const DefaultSummaryLength = 200

type SentimentRequest struct {
	Text     string `json:"text" validate:"required,max=20000"`
	Detailed bool   `json:"detailed"`
}

type SentimentResponse struct {
	Status    string  `json:"status"`
	Text      string  `json:"text"`
	Sentiment string  `json:"sentiment"`
	Score     float64 `json:"score"`
}

type TranslateRequest struct {
	Text           string `json:"text" validate:"required,max=20000"`
	TargetLanguage string `json:"target_language" validate:"required,min=2,max=8"`
	SourceLanguage string `json:"source_language,omitempty" validate:"omitempty,min=2,max=8"`
}

type TranslateResponse struct {
	Status         string `json:"status"`
	OriginalText   string `json:"original_text"`
	TranslatedText string `json:"translated_text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

type SummarizeRequest struct {
	Text      string `json:"text" validate:"required"`
	MaxLength int    `json:"max_length" validate:"omitempty,min=1,max=5000"`
}

type SummarizeResponse struct {
	Status         string `json:"status"`
	OriginalText   string `json:"original_text"`
	Summary        string `json:"summary"`
	OriginalLength int    `json:"original_length"`
	SummaryLength  int    `json:"summary_length"`
}

var (
	positiveWords = []string{"good", "great", "excellent", "amazing", "love"}
	negativeWords = []string{"bad", "terrible", "awful", "hate", "worst"}
)

// decodeRequest parses a client body leniently (unknown fields are ignored)
// and validates it.
func decodeRequest(body json.RawMessage, out any) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return &types.X402Error{Code: types.ErrInvalidPayload, Message: "request body is required"}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("invalid request body: %v", err),
		}
	}
	if err := utils.Validator().Struct(out); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}
	return nil
}

func checker[T any]() Checker {
	return func(body json.RawMessage) error {
		var req T
		return decodeRequest(body, &req)
	}
}

func Sentiment(_ context.Context, body json.RawMessage) (any, error) {
	var req SentimentRequest
	if err := decodeRequest(body, &req); err != nil {
		return nil, err
	}

	text := strings.ToLower(req.Text)
	resp := SentimentResponse{Status: "success", Text: req.Text, Sentiment: "neutral", Score: 0.05}
	switch {
	case containsAny(text, positiveWords):
		resp.Sentiment, resp.Score = "positive", 0.85
	case containsAny(text, negativeWords):
		resp.Sentiment, resp.Score = "negative", -0.75
	}
	return resp, nil
}

func Translate(_ context.Context, body json.RawMessage) (any, error) {
	var req TranslateRequest
	if err := decodeRequest(body, &req); err != nil {
		return nil, err
	}

	source := req.SourceLanguage
	if source == "" {
		source = "en"
	}
	return TranslateResponse{
		Status:         "success",
		OriginalText:   req.Text,
		TranslatedText: fmt.Sprintf("[%s] %s", strings.ToUpper(req.TargetLanguage), req.Text),
		SourceLanguage: source,
		TargetLanguage: req.TargetLanguage,
	}, nil
}

func Summarize(_ context.Context, body json.RawMessage) (any, error) {
	var req SummarizeRequest
	if err := decodeRequest(body, &req); err != nil {
		return nil, err
	}
	limit := req.MaxLength
	if limit == 0 {
		limit = DefaultSummaryLength
	}

	words := strings.Fields(req.Text)
	kept := words
	if len(kept) > limit {
		kept = kept[:limit]
	}
	summary := strings.Join(kept, " ")
	if len(words) > limit {
		summary += "..."
	}

	return SummarizeResponse{
		Status:         "success",
		OriginalText:   req.Text,
		Summary:        summary,
		OriginalLength: len(words),
		SummaryLength:  len(kept),
	}, nil
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// RegisterBuiltins adds the local sentiment, translate and summarize
// capabilities.
func RegisterBuiltins(d *Dispatcher) {
	d.Register("sentiment", Sentiment, checker[SentimentRequest]())
	d.Register("translate", Translate, checker[TranslateRequest]())
	d.Register("summarize", Summarize, checker[SummarizeRequest]())
}
