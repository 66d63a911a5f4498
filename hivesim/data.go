package hivesim

// SuiteID identifies a test suite context.
type SuiteID uint32

// TestID identifies a test case context.
type TestID uint32

// TestResult describes the outcome of a test.
type TestResult struct {
	Pass    bool   `json:"pass"`
	Details string `json:"details"`
}

// ClientMetadata is part of the ClientDefinition and lists metadata.
type ClientMetadata struct {
	Roles []string `json:"roles"`
}

// ClientDefinition is served by the /clients API endpoint to list the available clients.
type ClientDefinition struct {
	Name    string         `json:"name"`
	Version string         `json:"version"`
	Meta    ClientMetadata `json:"meta"`
}

// HasRole reports whether the client has the given role.
func (m *ClientDefinition) HasRole(role string) bool {
	for _, m := range m.Meta.Roles {
		if m == role {
			return true
		}
	}
	return false
}

// clientNames returns the names of the given definitions, in order.
func clientNames(defs []*ClientDefinition) []string {
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}
