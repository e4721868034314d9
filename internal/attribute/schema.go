package attribute

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaCache stores fetched attribute schemas. A nil-safe no-op
// implementation is acceptable.
type SchemaCache interface {
	Get(ctx context.Context, attribute string) ([]byte, bool)
	Set(ctx context.Context, attribute string, schema []byte)
}

// Validator checks provider-returned attribute values against the JSON
// schema published by the attributes-management service.
type Validator interface {
	Valid(ctx context.Context, attribute string, value any) bool
}

// SchemaValidator fetches schemas over HTTP and validates values with
// them. Any failure along the way counts as invalid; the broker then
// retries the attribute from another source.
type SchemaValidator struct {
	baseURL string
	client  *http.Client
	cache   SchemaCache
	logger  *slog.Logger
}

func NewSchemaValidator(baseURL string, timeout time.Duration, cache SchemaCache, logger *slog.Logger) *SchemaValidator {
	return &SchemaValidator{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		cache:   cache,
		logger:  logger,
	}
}

func (v *SchemaValidator) Valid(ctx context.Context, attribute string, value any) bool {
	raw, err := v.fetchSchema(ctx, attribute)
	if err != nil {
		v.logger.WarnContext(ctx, "fetching attribute schema failed", "attribute", attribute, "error", err)
		return false
	}

	schema, err := jsonschema.CompileString(attribute+".json", string(raw))
	if err != nil {
		v.logger.WarnContext(ctx, "compiling attribute schema failed", "attribute", attribute, "error", err)
		return false
	}

	if err := schema.Validate(value); err != nil {
		v.logger.InfoContext(ctx, "attribute value failed validation", "attribute", attribute, "error", err)
		return false
	}
	return true
}

func (v *SchemaValidator) fetchSchema(ctx context.Context, attribute string) ([]byte, error) {
	if raw, ok := v.cache.Get(ctx, attribute); ok {
		return raw, nil
	}

	url := fmt.Sprintf("%s/v1/schema/%s", v.baseURL, attribute)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("schema endpoint returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	v.cache.Set(ctx, attribute, raw)
	return raw, nil
}
