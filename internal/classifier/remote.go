package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/verdantstack/verdant-diagnose/internal/models"
	"github.com/verdantstack/verdant-diagnose/internal/taxonomy"
)

// Remote calls an OpenAI-compatible multimodal endpoint (Kimi vision) and
// maps its free-form reply into a structured RemoteVerdict. The service is
// non-deterministic: identical bytes may yield different verdicts, and the
// adapter never retries on its own — retry-worthiness belongs to the arbiter.
type Remote struct {
	baseURL    string
	apiKey     string
	model      string
	taxonomy   *taxonomy.Taxonomy
	httpClient *http.Client
}

// NewRemote constructs the adapter. The timeout here is a transport ceiling;
// per-request deadlines arrive via context.
func NewRemote(baseURL, apiKey, model string, timeout time.Duration, tax *taxonomy.Taxonomy) *Remote {
	return &Remote{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		model:    model,
		taxonomy: tax,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// analysisReply is the JSON shape the prompt asks the model to emit.
type analysisReply struct {
	IsPlant    bool        `json:"is_plant"`
	IsDetected bool        `json:"is_detected"`
	Category   string      `json:"category"`
	ClassName  string      `json:"class_name"`
	Confidence interface{} `json:"confidence"`
	Severity   string      `json:"severity"`
}

// Classify sends the raw upload to the remote service and parses the verdict.
// Failures map onto the pipeline error taxonomy: deadline expiry becomes
// ErrRemoteTimeout, transport/auth problems become ErrRemoteUnavailable, and
// replies that cannot be shaped become ErrRemoteParse.
func (r *Remote) Classify(ctx context.Context, raw []byte, locale string) (*models.RemoteVerdict, error) {
	if r.baseURL == "" || r.apiKey == "" {
		return nil, fmt.Errorf("%w: remote credentials not configured", models.ErrRemoteUnavailable)
	}

	payload := chatRequest{
		Model:       r.model,
		Temperature: 0.3,
		MaxTokens:   1024,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: r.prompt(locale)},
					{Type: "image_url", ImageURL: &imageURL{
						URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw),
					}},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", models.ErrRemoteUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrRemoteUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", models.ErrRemoteTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", models.ErrRemoteUnavailable, resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", models.ErrRemoteParse, err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty reply", models.ErrRemoteParse)
	}

	return r.mapReply(chat.Choices[0].Message.Content)
}

func (r *Remote) prompt(locale string) string {
	names := make([]string, 0, len(r.taxonomy.Classes))
	for _, class := range r.taxonomy.Classes {
		names = append(names, class.NameEN)
	}
	lang := "English"
	if strings.HasPrefix(strings.ToLower(locale), "th") {
		lang = "Thai"
	}
	return fmt.Sprintf(`You are a plant pathology assistant. Examine the photo of a vegetable leaf.
Answer with a single JSON object and nothing else, using exactly these fields:
{"is_plant": bool, "is_detected": bool, "category": "disease"|"pest"|"none", "class_name": string, "confidence": "very_low"|"low"|"medium"|"high"|"very_high", "severity": "low"|"medium"|"high"}
class_name must be one of: %s. Use "class_name": "" when nothing is detected.
Reasoning language for any free text: %s.`, strings.Join(names, ", "), lang)
}

// fencedJSON pulls a JSON object out of a markdown code fence; models often
// wrap replies even when told not to.
var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

func extractJSON(content string) ([]byte, bool) {
	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		return []byte(m[1]), true
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return []byte(content[start : end+1]), true
	}
	return nil, false
}

func (r *Remote) mapReply(content string) (*models.RemoteVerdict, error) {
	blob, ok := extractJSON(content)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object in reply", models.ErrRemoteParse)
	}

	var reply analysisReply
	if err := json.Unmarshal(blob, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRemoteParse, err)
	}

	verdict := &models.RemoteVerdict{
		IsPlant:    reply.IsPlant,
		IsDetected: reply.IsDetected,
		Confidence: confidenceValue(reply.Confidence),
		Severity:   severityValue(reply.Severity),
	}

	if reply.IsDetected && reply.ClassName != "" {
		id, known := r.taxonomy.IDByName(reply.ClassName)
		if !known {
			return nil, fmt.Errorf("%w: class %q not in taxonomy", models.ErrRemoteParse, reply.ClassName)
		}
		verdict.ClassID = &id
	}

	return verdict, nil
}

// confidenceValue tolerates both the worded scale the prompt asks for and a
// bare number, since third-party schema drift is routine.
func confidenceValue(v interface{}) float64 {
	switch c := v.(type) {
	case float64:
		if c < 0 {
			return 0
		}
		if c > 1 {
			return 1
		}
		return c
	case string:
		switch strings.ToLower(strings.TrimSpace(c)) {
		case "very_high":
			return 0.9
		case "high":
			return 0.75
		case "medium":
			return 0.5
		case "low":
			return 0.3
		case "very_low":
			return 0.1
		}
	}
	return 0.5
}

func severityValue(s string) models.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return models.SeverityLow
	case "medium":
		return models.SeverityMedium
	case "high":
		return models.SeverityHigh
	default:
		return models.SeverityUnknown
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
