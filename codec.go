package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// A reply carries exactly one of result and error. A null error member counts as absent
// and is stripped before validation.
const replySchemaJSON = `{
	"type": "object",
	"properties": {
		"jsonrpc": {"const": "2.0"},
		"id": {"type": ["string", "number", "null"]},
		"error": {
			"anyOf": [
				{"type": "string"},
				{
					"type": "object",
					"properties": {
						"code": {"type": "number"},
						"message": {"type": "string"}
					}
				}
			]
		}
	},
	"oneOf": [
		{"required": ["result"], "not": {"required": ["error"]}},
		{"required": ["error"], "not": {"required": ["result"]}}
	]
}`

const toolListingSchemaJSON = `{
	"type": "object",
	"required": ["tools"],
	"properties": {
		"tools": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

var (
	replySchema       = jsonschema.MustCompileString("reply.json", replySchemaJSON)
	toolListingSchema = jsonschema.MustCompileString("tool-listing.json", toolListingSchemaJSON)
)

func encodeRequest(id int64, method string, params any) ([]byte, error) {
	bs, err := json.Marshal(rpcRequest{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	return bs, nil
}

func encodeInitialize(id int64, info Info) ([]byte, error) {
	return encodeRequest(id, MethodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ClientCapabilities{
			Tools: &ToolsCapability{},
		},
		ClientInfo: info,
	})
}

func encodeToolsList(id int64) ([]byte, error) {
	return encodeRequest(id, MethodToolsList, struct{}{})
}

func encodeToolsCall(id int64, tool, method string, params any) ([]byte, error) {
	return encodeRequest(id, MethodToolsCall, toolsCallParams{
		Name: tool,
		Arguments: toolCallArguments{
			Method: method,
			Params: params,
		},
	})
}

func encodeHTTPCall(tool, method string, params any) ([]byte, error) {
	bs, err := json.Marshal(httpToolCall{
		Tool:   tool,
		Method: method,
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool call: %w", err)
	}
	return bs, nil
}

// decodeReply decodes a reply envelope. The jsonrpc and id members are optional so the
// same decoder serves JSON-RPC frames and the flat HTTP reply body.
func decodeReply(data []byte) (RPCResult, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return RPCResult{}, err
	}

	if obj, ok := doc.(map[string]any); ok {
		if v, present := obj["error"]; present && v == nil {
			delete(obj, "error")
		}
	}
	if err := replySchema.Validate(doc); err != nil {
		return RPCResult{}, &DecodeError{Reason: "invalid reply", Payload: data, Cause: err}
	}

	var env JSONRPCMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return RPCResult{}, &DecodeError{Reason: "invalid reply", Payload: data, Cause: err}
	}

	obj, _ := doc.(map[string]any)
	if _, ok := obj["result"]; ok {
		result := env.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		return RPCResult{ID: env.ID, Result: result}, nil
	}
	if env.Error == nil {
		env.Error = &RPCError{}
	}
	return RPCResult{ID: env.ID, Error: env.Error}, nil
}

// decodeHTTPReply maps an HTTP status and body onto a reply. Any non-2xx status is a
// *StatusError carrying whatever error message the body holds.
func decodeHTTPReply(status int, body []byte) (RPCResult, error) {
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return RPCResult{}, newStatusError(status, body)
	}
	return decodeReply(body)
}

func newStatusError(status int, body []byte) *StatusError {
	statusErr := &StatusError{
		StatusCode: status,
		Body:       body,
	}
	var eb httpErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != nil {
		statusErr.Message = eb.Error.Message
		statusErr.Code = eb.Error.Code
	}
	return statusErr
}

// decodeToolListing decodes a {"tools": [...]} document. Tool names must be unique.
func decodeToolListing(data []byte) ([]Tool, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	if err := toolListingSchema.Validate(doc); err != nil {
		return nil, &DecodeError{Reason: "invalid tool listing", Payload: data, Cause: err}
	}

	var listing toolListing
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, &DecodeError{Reason: "invalid tool listing", Payload: data, Cause: err}
	}

	seen := make(map[string]struct{}, len(listing.Tools))
	for _, tool := range listing.Tools {
		if _, ok := seen[tool.Name]; ok {
			return nil, &DecodeError{
				Reason:  "invalid tool listing",
				Payload: data,
				Cause:   fmt.Errorf("duplicate tool name %q", tool.Name),
			}
		}
		seen[tool.Name] = struct{}{}
	}

	if listing.Tools == nil {
		listing.Tools = []Tool{}
	}
	return listing.Tools, nil
}

func parseDocument(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "empty payload", Cause: errors.New("no data")}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &DecodeError{Reason: "malformed payload", Payload: data, Cause: err}
	}
	return doc, nil
}
