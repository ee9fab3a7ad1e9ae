package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
)

// errEmptyPrompt is returned when a submission carries neither text nor an image.
var errEmptyPrompt = errors.New("empty prompt")

const emptyPromptMessage = "Please enter a prompt or upload an image."

const imageFormField = "image"

type submission struct {
	chatID string
	text   string
	image  *models.Content
}

// contents returns the user message contents, text before image as they are shown to the model.
func (s submission) contents() []models.Content {
	var contents []models.Content
	if s.text != "" {
		contents = append(contents, models.TextContent(s.text))
	}
	if s.image != nil {
		contents = append(contents, *s.image)
	}
	return contents
}

// titleSource returns what the chat title is generated from, and whether an LLM is needed for it.
func (s submission) titleSource() (string, bool) {
	if s.text == "" {
		return "Image", false
	}
	return s.text, true
}

// parseSubmission reads the chat form. It accepts both multipart and urlencoded bodies; the image field
// is only looked at in multipart bodies. The request body must already be size limited.
func parseSubmission(r *http.Request, maxMemory int64) (submission, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return submission{}, err
	}

	sub := submission{
		chatID: r.FormValue("chat_id"),
		text:   strings.TrimSpace(r.FormValue("message")),
	}

	if r.MultipartForm != nil {
		file, _, err := r.FormFile(imageFormField)
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case err != nil:
			return submission{}, fmt.Errorf("failed to read image: %w", err)
		default:
			defer file.Close()
			img, err := models.NewImageContent(file)
			if err != nil {
				return submission{}, err
			}
			sub.image = &img
		}
	}

	if sub.text == "" && sub.image == nil {
		return submission{}, errEmptyPrompt
	}
	return sub, nil
}
