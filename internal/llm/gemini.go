package llm

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genai"
)

const (
	defaultGeminiModel      = "gemini-2.0-flash"
	defaultGeminiImageModel = "imagen-3.0-generate-002"
)

// GeminiConfig configures the Google client.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
	VisionModel  string
	ImageModel   string
}

// GeminiClient serves text, vision and image generation through the Gemini API.
type GeminiClient struct {
	client       *genai.Client
	defaultModel string
	visionModel  string
	imageModel   string
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, wrapError(string(ProviderGoogle), err)
	}

	c := &GeminiClient{
		client:       client,
		defaultModel: cfg.DefaultModel,
		visionModel:  cfg.VisionModel,
		imageModel:   cfg.ImageModel,
	}
	if c.defaultModel == "" {
		c.defaultModel = defaultGeminiModel
	}
	if c.visionModel == "" {
		c.visionModel = c.defaultModel
	}
	if c.imageModel == "" {
		c.imageModel = defaultGeminiImageModel
	}
	return c, nil
}

// Name returns the provider name.
func (c *GeminiClient) Name() string {
	return string(ProviderGoogle)
}

// Complete sends a completion request.
func (c *GeminiClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	system := req.System
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system += "\n\n" + msg.Content
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(maxTokens),
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, wrapError(c.Name(), err)
	}

	out := &CompletionResponse{
		Content:   resp.Text(),
		Model:     model,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) > 0 {
		out.StopReason = string(resp.Candidates[0].FinishReason)
	}
	return out, nil
}

// AnalyzeImage describes an image, guided by prompt.
func (c *GeminiClient) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(image, mimeType),
		}, genai.RoleUser),
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.visionModel, contents, nil)
	if err != nil {
		return "", wrapError(c.Name(), err)
	}
	return resp.Text(), nil
}

// ReadDocument sends a document inline with its MIME type and returns the model's reading of it.
func (c *GeminiClient) ReadDocument(ctx context.Context, data []byte, mimeType, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, mimeType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.defaultModel, contents, nil)
	if err != nil {
		return "", wrapError(c.Name(), err)
	}
	return resp.Text(), nil
}

// GenerateImage renders one image with Imagen.
func (c *GeminiClient) GenerateImage(ctx context.Context, prompt string) (*GeneratedImage, error) {
	resp, err := c.client.Models.GenerateImages(ctx, c.imageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return nil, wrapError(c.Name(), err)
	}
	for _, img := range resp.GeneratedImages {
		if img != nil && img.Image != nil && len(img.Image.ImageBytes) > 0 {
			mime := img.Image.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			return &GeneratedImage{Data: img.Image.ImageBytes, MIMEType: mime}, nil
		}
	}
	return nil, errors.New("google: no image returned")
}
