package hivesim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ethereum/portal-hive/internal/simapi"
	"github.com/lithammer/dedent"
	"github.com/pkg/errors"
)

// Orchestrator is the control plane that suites and tests run against. It opens and
// closes suite and test sessions, records results and provisions client instances.
// Simulation implements it over the hive simulation HTTP API.
type Orchestrator interface {
	StartSuite(ctx context.Context, name, description string) (SuiteID, error)
	EndSuite(ctx context.Context, suite SuiteID) error
	StartTest(ctx context.Context, suite SuiteID, name, description string) (TestID, error)
	EndTest(ctx context.Context, suite SuiteID, test TestID, result TestResult) error
	StartClient(ctx context.Context, suite SuiteID, test TestID, clientType string, options ...StartOption) (string, net.IP, error)
	ClientTypes(ctx context.Context) ([]*ClientDefinition, error)
}

var _ Orchestrator = (*Simulation)(nil)

// Simulation wraps the simulation HTTP API provided by hive.
type Simulation struct {
	url  string
	http *http.Client
	m    *TestMatcher
}

// NewAt creates a simulation connected to the given API endpoint.
func NewAt(url string) *Simulation {
	return &Simulation{url: strings.TrimSuffix(url, "/"), http: http.DefaultClient}
}

// SetTestPattern sets the pattern that selects the suites and tests to run.
func (sim *Simulation) SetTestPattern(p string) error {
	m, err := ParseTestPattern(p)
	if err != nil {
		return errors.Wrap(err, "invalid test pattern")
	}
	sim.m = &m
	return nil
}

// Matcher returns the test pattern set by SetTestPattern, or nil.
func (sim *Simulation) Matcher() *TestMatcher {
	return sim.m
}

// StartSuite signals the start of a test suite.
func (sim *Simulation) StartSuite(ctx context.Context, name, description string) (SuiteID, error) {
	var (
		url = fmt.Sprintf("%s/testsuite", sim.url)
		req = simapi.TestRequest{Name: name, Description: formatDescription(description)}
		id  SuiteID
	)
	err := sim.postJSON(ctx, url, &req, &id)
	return id, errors.Wrapf(err, "start suite %q", name)
}

// EndSuite signals the end of a test suite.
func (sim *Simulation) EndSuite(ctx context.Context, testSuite SuiteID) error {
	url := fmt.Sprintf("%s/testsuite/%d", sim.url, testSuite)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	return errors.Wrapf(sim.do(req, nil), "end suite %d", testSuite)
}

// StartTest starts a new test case, returning the testcase id as a context identifier.
func (sim *Simulation) StartTest(ctx context.Context, testSuite SuiteID, name string, description string) (TestID, error) {
	var (
		url = fmt.Sprintf("%s/testsuite/%d/test", sim.url, testSuite)
		req = simapi.TestRequest{Name: name, Description: formatDescription(description)}
		id  TestID
	)
	err := sim.postJSON(ctx, url, &req, &id)
	return id, errors.Wrapf(err, "start test %q", name)
}

// EndTest finishes the test case, reporting the result. The orchestrator stops all
// clients of the test when it ends.
func (sim *Simulation) EndTest(ctx context.Context, testSuite SuiteID, test TestID, result TestResult) error {
	// post because the delete http verb does not always support a message body
	url := fmt.Sprintf("%s/testsuite/%d/test/%d", sim.url, testSuite, test)
	return errors.Wrapf(sim.postJSON(ctx, url, &result, nil), "end test %d", test)
}

// ClientTypes returns all client types available to this simulator run. This depends on
// both the available client set and the command line filters.
func (sim *Simulation) ClientTypes(ctx context.Context) ([]*ClientDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sim.url+"/clients", nil)
	if err != nil {
		return nil, err
	}
	var clients []*ClientDefinition
	if err := sim.do(req, &clients); err != nil {
		return nil, errors.Wrap(err, "client types")
	}
	return clients, nil
}

// StartClient starts a new node (or other container) with specified options.
// Returns container id and ip.
func (sim *Simulation) StartClient(ctx context.Context, testSuite SuiteID, test TestID, clientType string, options ...StartOption) (string, net.IP, error) {
	setup := newClientSetup()
	for _, opt := range options {
		opt.Apply(setup)
	}
	config := simapi.NodeConfig{Client: clientType, Environment: setup.parameters}

	url := fmt.Sprintf("%s/testsuite/%d/test/%d/node", sim.url, testSuite, test)
	var resp simapi.StartNodeResponse
	if err := setup.postWithFiles(ctx, sim, url, &config, &resp); err != nil {
		return "", nil, errors.Wrapf(err, "start client %s", clientType)
	}
	ip := net.ParseIP(resp.IP)
	if ip == nil {
		return resp.ID, nil, fmt.Errorf("start client %s: invalid IP address %q", clientType, resp.IP)
	}
	return resp.ID, ip, nil
}

func (setup *clientSetup) postWithFiles(ctx context.Context, sim *Simulation, url string, config *simapi.NodeConfig, result interface{}) error {
	var (
		b bytes.Buffer
		w = multipart.NewWriter(&b)
	)
	configJSON, err := json.Marshal(config)
	if err != nil {
		return err
	}
	if err := w.WriteField("config", string(configJSON)); err != nil {
		return err
	}
	for key, src := range setup.files {
		// The parameter name is the destination path in the container.
		fw, err := w.CreateFormFile(key, filepath.Base(key))
		if err != nil {
			return err
		}
		r, err := src()
		if err != nil {
			return err
		}
		_, err = io.Copy(fw, r)
		r.Close()
		if err != nil {
			return err
		}
	}
	// this must be closed or the request will be missing the terminating boundary
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &b)
	if err != nil {
		return err
	}
	req.Header.Set("content-type", w.FormDataContentType())
	return sim.do(req, result)
}

func (sim *Simulation) postJSON(ctx context.Context, url string, body, result interface{}) error {
	enc, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(enc))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	return sim.do(req, result)
}

// do sends the request and decodes the JSON response into result.
// Responses with a non-2xx status are turned into errors.
func (sim *Simulation) do(req *http.Request, result interface{}) error {
	resp, err := sim.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr simapi.Error
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("request failed (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return errors.Wrap(err, "invalid response")
	}
	return nil
}

// formatDescription removes common indentation from multi-line descriptions.
func formatDescription(desc string) string {
	return strings.TrimSpace(dedent.Dedent(desc))
}
