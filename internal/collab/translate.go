package collab

import (
	"context"
	"errors"
)

type translateRequest struct {
	Message        string `json:"message"`
	SourceLanguage string `json:"source_language,omitempty"`
}

type translateResponse struct {
	TranslatedMessage string `json:"translated_message"`
	Error             string `json:"error,omitempty"`
}

// Translator wraps the external translation collaborator.
type Translator struct {
	opts Options
}

func NewTranslator(opts Options) *Translator {
	return &Translator{opts: opts.normalized()}
}

func (t *Translator) Translate(ctx context.Context, text, sourceLang string) (string, error) {
	var resp translateResponse
	if err := t.opts.do(ctx, "translate", translateRequest{Message: text, SourceLanguage: sourceLang}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.New("translate: service error: " + resp.Error)
	}
	return resp.TranslatedMessage, nil
}
