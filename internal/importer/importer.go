// Package importer builds contact profiles from unstructured sources:
// pasted text, PDF exports (resumes, conference badges), or a web page.
// Text is extracted locally, then a structured profile is pulled out of
// it with a schema-constrained model call and saved to the directory.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/kindling-ai/kindred/internal/channel"
	"github.com/kindling-ai/kindred/internal/llm"
	"github.com/kindling-ai/kindred/internal/profile"
)

// maxImportChars caps how much extracted text goes into the model.
const maxImportChars = 20000

const extractionPrompt = `Extract the person's networking profile from the text below.
Use only information present in the text. Leave fields you cannot find empty.
Seniority must be one of: entry, mid, senior, lead, executive, or empty.

%s`

// ProfileSaver persists an imported profile. Implemented by
// profile.Directory.
type ProfileSaver interface {
	Save(p profile.Profile) error
}

// Importer extracts structured profiles from raw sources.
type Importer struct {
	chatter    llm.Chatter
	directory  ProfileSaver
	httpClient *http.Client
}

// New creates an Importer.
func New(chatter llm.Chatter, directory ProfileSaver) *Importer {
	return &Importer{
		chatter:   chatter,
		directory: directory,
		httpClient: &http.Client{
			Timeout: channel.DefaultTimeout,
		},
	}
}

// extractedProfile is the model's structured output.
type extractedProfile struct {
	Name      string   `json:"name"`
	Industry  string   `json:"industry"`
	Role      string   `json:"role"`
	Seniority string   `json:"seniority"`
	Interests []string `json:"interests"`
	Goals     []string `json:"goals"`
	Phone     string   `json:"phone"`
	Email     string   `json:"email"`
}

func profileSchema() *llm.Schema {
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"name":      {Type: "string", Description: "The person's full name"},
			"industry":  {Type: "string", Description: "Industry or field they work in"},
			"role":      {Type: "string", Description: "Job title"},
			"seniority": {Type: "string", Description: "One of: entry, mid, senior, lead, executive"},
			"interests": {Type: "array", Description: "Professional interests and topics"},
			"goals":     {Type: "array", Description: "Stated professional goals"},
			"phone":     {Type: "string", Description: "Phone number if present"},
			"email":     {Type: "string", Description: "Email address if present"},
		},
		Required: []string{"name", "industry", "role", "seniority", "interests", "goals", "phone", "email"},
	}
}

// ImportText extracts a profile from raw text and saves it. The new
// profile gets a generated user id.
func (i *Importer) ImportText(ctx context.Context, text string) (profile.Profile, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return profile.Profile{}, fmt.Errorf("nothing to import")
	}
	text = truncate(text, maxImportChars)

	raw, err := i.chatter.ChatJSON(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(extractionPrompt, text)},
	}, profileSchema())
	if err != nil {
		return profile.Profile{}, fmt.Errorf("extracting profile: %w", err)
	}

	var extracted extractedProfile
	if err := json.Unmarshal([]byte(raw), &extracted); err != nil {
		return profile.Profile{}, fmt.Errorf("unmarshalling extracted profile: %w", err)
	}
	if extracted.Name == "" {
		return profile.Profile{}, fmt.Errorf("no person found in the text")
	}

	p := profile.Profile{
		UserID:    uuid.New().String(),
		Name:      extracted.Name,
		Industry:  extracted.Industry,
		Role:      extracted.Role,
		Seniority: extracted.Seniority,
		Interests: extracted.Interests,
		Goals:     extracted.Goals,
		Contact: profile.Contact{
			Phone: extracted.Phone,
			Email: extracted.Email,
		},
	}
	if err := i.directory.Save(p); err != nil {
		return profile.Profile{}, fmt.Errorf("saving imported profile: %w", err)
	}
	return p, nil
}

// truncate caps s at max bytes without splitting a UTF-8 sequence:
// the cut backs up to the nearest rune start.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// ImportPDF extracts the plain text of a PDF file and imports it.
func (i *Importer) ImportPDF(ctx context.Context, path string) (profile.Profile, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return profile.Profile{}, fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return profile.Profile{}, fmt.Errorf("reading pdf text: %w", err)
	}

	return i.ImportText(ctx, buf.String())
}

// ImportURL fetches a web page, strips it to visible text, and imports
// it.
func (i *Importer) ImportURL(ctx context.Context, url string) (profile.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return profile.Profile{}, fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	text, err := htmlText(resp.Body)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("parsing %s: %w", url, err)
	}

	return i.ImportText(ctx, text)
}

// htmlText walks the document and collects visible text, skipping
// script and style subtrees.
func htmlText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				sb.WriteString(text)
				sb.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sb.String(), nil
}
