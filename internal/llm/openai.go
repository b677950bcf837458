package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIClient calls the OpenAI Chat Completions API.
type OpenAIClient struct {
	model  openai.ChatModel
	client *openai.Client
}

const (
	defaultChatTimeout     = 30 * time.Second
	defaultChatTemperature = 0.2
)

const systemPrompt = `You are a helpful assistant answering questions from the documents provided.
Answer only from the document excerpts. If they do not contain the answer, say so clearly.
Cite the excerpts you rely on by number (for example "According to Document 1").
Be specific, factual and concise.`

// NewOpenAIClient builds a client with defaults against api.openai.com.
func NewOpenAIClient(apiKey string, model openai.ChatModel) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIClient{
		model:  model,
		client: &cli,
	}, nil
}

func (c *OpenAIClient) Generate(ctx context.Context, query string, passages []Passage) (Generation, error) {
	if c == nil || c.client == nil {
		return Generation{}, fmt.Errorf("nil openai client")
	}
	reqCtx, cancel := context.WithTimeout(ctx, defaultChatTimeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(reqCtx, openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    buildMessages(systemPrompt, BuildPrompt(query, passages)),
		Temperature: openai.Float(defaultChatTemperature),
	})
	if err != nil {
		return Generation{}, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Generation{}, fmt.Errorf("openai: no choices returned")
	}
	return Generation{
		Answer:     resp.Choices[0].Message.Content,
		ChunksUsed: len(passages),
	}, nil
}

// BuildPrompt numbers the passages in the order given, so citations in the
// answer line up with the returned sources.
func BuildPrompt(query string, passages []Passage) string {
	var b strings.Builder
	b.WriteString("Document excerpts:\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "\n[Document %d] %s\n%s\n(Relevance: %.2f)\n", i+1, p.Filename, p.Text, p.Score)
	}
	fmt.Fprintf(&b, "\nQuestion: %s", query)
	return b.String()
}

func buildMessages(system, user string) []openai.ChatCompletionMessageParamUnion {
	return []openai.ChatCompletionMessageParamUnion{
		{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(system),
				},
			},
		},
		{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: openai.String(user),
				},
			},
		},
	}
}
