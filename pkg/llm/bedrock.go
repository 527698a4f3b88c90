package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/go-faster/jx"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

const (
	defaultBedrockModel    = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	anthropicBedrockAPI    = "bedrock-2023-05-31"
	bedrockContentTypeJSON = "application/json"
)

// bedrockClient is the second wired provider (SPEC_FULL.md §2's "llm"
// component names both Anthropic and Bedrock as targets). It speaks the
// Anthropic Messages wire format that Bedrock's InvokeModel passes through
// for anthropic.* model IDs, encoding the request body with go-faster/jx
// for consistency with the rest of the pipeline's hot-path JSON handling
// (pkg/outbox/codec.go) rather than encoding/json.
type bedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
	timeout time.Duration
}

func newBedrockClient(cfg Config) (*bedrockClient, error) {
	ctx := context.Background()
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	modelID := cfg.Model
	if modelID == "" {
		modelID = defaultBedrockModel
	}

	return &bedrockClient{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		modelID: modelID,
		timeout: cfg.Timeout,
	}, nil
}

func (c *bedrockClient) Execute(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	body := encodeBedrockRequest(prompt)

	out, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &c.modelID,
		ContentType: strPtr(bedrockContentTypeJSON),
		Accept:      strPtr(bedrockContentTypeJSON),
		Body:        body,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", pipelineerrors.TimeoutError("bedrock", ctx.Err().Error())
		}
		return "", classifyBedrockError(err)
	}

	return decodeBedrockResponse(out.Body)
}

func encodeBedrockRequest(prompt string) []byte {
	e := jx.Encoder{}
	e.ObjStart()
	e.FieldStart("anthropic_version")
	e.Str(anthropicBedrockAPI)
	e.FieldStart("max_tokens")
	e.Int(4096)
	e.FieldStart("messages")
	e.ArrStart()
	e.ObjStart()
	e.FieldStart("role")
	e.Str("user")
	e.FieldStart("content")
	e.Str(prompt)
	e.ObjEnd()
	e.ArrEnd()
	e.ObjEnd()
	return e.Bytes()
}

func decodeBedrockResponse(raw []byte) (string, error) {
	d := jx.DecodeBytes(raw)
	var text string
	err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "content" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			return d.Obj(func(d *jx.Decoder, key string) error {
				switch key {
				case "text":
					v, err := d.Str()
					if err != nil {
						return err
					}
					text = v
					return nil
				default:
					return d.Skip()
				}
			})
		})
	})
	if err != nil {
		return "", pipelineerrors.ParseError("bedrock response", "json", err)
	}
	if text == "" {
		return "", errors.New("bedrock: response had no text content")
	}
	return text, nil
}

func classifyBedrockError(err error) error {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return classifyStatus("bedrock", respErr.HTTPStatusCode(), err)
	}
	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return pipelineerrors.RateLimited("bedrock", err)
	}
	var denied *types.AccessDeniedException
	if errors.As(err, &denied) {
		return pipelineerrors.AuthenticationError(err.Error())
	}
	return err
}

func strPtr(s string) *string { return &s }
