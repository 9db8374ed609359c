package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// RouteKey selects the outbound application-level route for a frame.
type RouteKey string

const (
	RouteUserQuery         RouteKey = "UserQuery"
	RouteIDERetrievalAnswer RouteKey = "IDERetrievalAnswer"
	RouteResume            RouteKey = "Resume"
)

// encodeFrame renders the wire form "<ROUTE_KEY> <json-payload>\n".
func encodeFrame(route RouteKey, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal frame payload: %w", err)
	}
	line := string(route) + " " + string(data) + "\n"
	return []byte(line), nil
}

// URLBuilder constructs the connect/resume URL for a session. checkpointID
// is empty on an initial connect.
type URLBuilder func(sessionID, requestID, checkpointID string) (string, error)

// BuildURL is the default URLBuilder: it appends session_id and request_id
// query parameters to baseURL, and checkpoint_id when one is known (I8).
func BuildURL(baseURL string) URLBuilder {
	return func(sessionID, requestID, checkpointID string) (string, error) {
		u, err := url.Parse(baseURL)
		if err != nil {
			return "", fmt.Errorf("parse base url: %w", err)
		}
		q := u.Query()
		q.Set("session_id", sessionID)
		q.Set("request_id", requestID)
		if checkpointID != "" {
			q.Set("checkpoint_id", checkpointID)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
}

// parseRouteAndPayload is the inverse of encodeFrame. Nothing in the module
// calls it; production code only ever decodes TaskResponse JSON directly
// since inbound frames carry no route key.
func parseRouteAndPayload(line string) (RouteKey, json.RawMessage, error) {
	parts := strings.SplitN(strings.TrimSuffix(line, "\n"), " ", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("malformed frame line %q", line)
	}
	return RouteKey(parts[0]), json.RawMessage(parts[1]), nil
}
