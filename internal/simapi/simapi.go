// Package simapi contains definitions of JSON objects used in the simulation API.
package simapi

// TestRequest starts a suite or a test.
type TestRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NodeConfig contains the launch parameters for a client container.
// It is sent as the 'config' field of the multipart node start request.
type NodeConfig struct {
	Client      string            `json:"client"`
	Environment map[string]string `json:"environment"`
}

// StartNodeResponse is returned by the client startup endpoint.
type StartNodeResponse struct {
	ID string `json:"id"` // Container ID.
	IP string `json:"ip"` // IP address in bridge network
}

// NodeResponse is the description of a running client as returned by the API.
type NodeResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Error struct {
	Error string `json:"error"`
}
