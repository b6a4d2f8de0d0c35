package calcapi

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/quotedesk/model"
)

// ContractOperation is one operation found in the service's OpenAPI document.
type ContractOperation struct {
	Method       string
	PathTemplate string
	RequestBody  *openapi3.RequestBody
}

// Contract is an index of the calculation service's OpenAPI operations,
// keyed by method and normalized path.
type Contract struct {
	operations map[string]ContractOperation
	byName     map[string]ContractOperation
}

var pathParam = regexp.MustCompile(`\{[^}]+\}`)

func contractKey(method, path string) string {
	return strings.ToUpper(method) + " " + pathParam.ReplaceAllString(path, "{}")
}

// LoadContract parses and validates an OpenAPI document. Paths are indexed
// relative to the first server URL so a document declaring "/api" as its
// server matches the client's endpoint table.
func LoadContract(ctx context.Context, specPath string) (*Contract, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("calcapi: loading contract %s: %w", specPath, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("calcapi: validating contract %s: %w", specPath, err)
	}

	var basePath string
	if len(doc.Servers) > 0 {
		if u, err := url.Parse(doc.Servers[0].URL); err == nil {
			basePath = strings.TrimRight(u.Path, "/")
		}
	}

	c := &Contract{
		operations: make(map[string]ContractOperation),
		byName:     make(map[string]ContractOperation),
	}
	for path, item := range doc.Paths.Map() {
		rel := path
		if basePath != "" {
			rel = strings.TrimPrefix(path, basePath)
		}
		for method, op := range item.Operations() {
			co := ContractOperation{Method: method, PathTemplate: rel}
			if op.RequestBody != nil {
				co.RequestBody = op.RequestBody.Value
			}
			c.operations[contractKey(method, rel)] = co
		}
	}
	for name, ep := range Endpoints {
		if co, ok := c.operations[contractKey(ep.Method, ep.Path)]; ok {
			c.byName[name] = co
		}
	}
	return c, nil
}

// Verify reports every client endpoint the document does not declare.
func (c *Contract) Verify() error {
	var missing []string
	for name, ep := range Endpoints {
		if _, ok := c.byName[name]; !ok {
			missing = append(missing, fmt.Sprintf("%s (%s %s)", name, ep.Method, ep.Path))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("calcapi: contract is missing %d operation(s): %s", len(missing), strings.Join(missing, ", "))
}

// Operations returns the number of indexed operations.
func (c *Contract) Operations() int { return len(c.operations) }

// RequiredFields checks that body carries every top-level property the
// operation's JSON request schema marks as required.
func (c *Contract) RequiredFields(operation string, body map[string]any) []model.FieldError {
	co, ok := c.byName[operation]
	if !ok || co.RequestBody == nil {
		return nil
	}
	mt := co.RequestBody.Content.Get("application/json")
	if mt == nil || mt.Schema == nil || mt.Schema.Value == nil {
		return nil
	}

	var errs []model.FieldError
	for _, field := range mt.Schema.Value.Required {
		if _, ok := body[field]; !ok {
			errs = append(errs, model.FieldError{
				Field:   field,
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s is required", field),
			})
		}
	}
	return errs
}
