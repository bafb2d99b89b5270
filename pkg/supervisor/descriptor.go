package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nabil/orka/pkg/statestore"
	"github.com/nabil/orka/pkg/status"
)

// Descriptor is the launch configuration for one worker, fetched from the
// configuration service at start time. Integration settings are never cached
// locally; the reconciler re-fetches them on every restart.
type Descriptor struct {
	WorkerID string             `json:"worker_id"`
	Kind     string             `json:"kind"`
	Runtime  status.RuntimeKind `json:"runtime"`
	Image    string             `json:"image,omitempty"`
	Env      map[string]string  `json:"env,omitempty"`
	Settings json.RawMessage    `json:"settings,omitempty"`
}

const descriptorSchema = `{
	"type": "object",
	"required": ["worker_id", "kind", "runtime"],
	"properties": {
		"worker_id": {"type": "string", "minLength": 1},
		"kind": {"type": "string", "minLength": 1},
		"runtime": {"type": "string", "enum": ["local", "container"]},
		"image": {"type": "string"},
		"env": {"type": "object", "additionalProperties": {"type": "string"}},
		"settings": {"type": "object"}
	}
}`

var descriptorSchemaLoader = gojsonschema.NewStringLoader(descriptorSchema)

// DescriptorFunc resolves the launch descriptor for an identity.
type DescriptorFunc func(ctx context.Context, identity statestore.Identity) (*Descriptor, error)

const descriptorFetchTimeout = 10 * time.Second

// HTTPDescriptorFetcher fetches descriptors from the configuration service at
// GET {base}/workers/{id}?kind={kind}.
func HTTPDescriptorFetcher(baseURL string, client *http.Client) DescriptorFunc {
	if client == nil {
		client = &http.Client{Timeout: descriptorFetchTimeout}
	}
	base := strings.TrimRight(baseURL, "/")

	return func(ctx context.Context, identity statestore.Identity) (*Descriptor, error) {
		endpoint := fmt.Sprintf("%s/workers/%s?kind=%s", base,
			url.PathEscape(identity.WorkerID), url.QueryEscape(string(identity.Kind)))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigFetch, err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigFetch, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: config service returned %s for %s", ErrConfigFetch, resp.Status, identity)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigFetch, err)
		}

		return ParseDescriptor(body)
	}
}

// ParseDescriptor validates raw descriptor JSON against the schema and
// decodes it.
func ParseDescriptor(raw []byte) (*Descriptor, error) {
	result, err := gojsonschema.Validate(descriptorSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFetch, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, fmt.Errorf("%w: invalid descriptor: %s", ErrConfigFetch, strings.Join(details, "; "))
	}

	var desc Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFetch, err)
	}
	return &desc, nil
}
