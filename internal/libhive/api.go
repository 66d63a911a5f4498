package libhive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/portal-hive/internal/simapi"
	"github.com/gorilla/mux"
	"gopkg.in/inconshreveable/log15.v2"
)

// Only environment variables with this prefix reach client containers.
const hiveEnvvarPrefix = "HIVE_"

const defaultStartTimeout = 60 * time.Second

// Bound on the in-memory part of a node start request.
const maxNodeRequestMemory = 8 * 1024 * 1024

// newSimulationAPI creates handlers for the simulation API.
func newSimulationAPI(b ContainerBackend, env SimEnv, tm *TestManager) http.Handler {
	api := &simAPI{backend: b, env: env, tm: tm}
	router := mux.NewRouter()
	api.registerRoutes(router)
	return router
}

type simAPI struct {
	backend ContainerBackend
	env     SimEnv
	tm      *TestManager
}

func (api *simAPI) registerRoutes(router *mux.Router) {
	router.HandleFunc("/clients", api.handle("client types", api.getClientTypes)).Methods("GET")
	router.HandleFunc("/testsuite", api.handle("start suite", api.startSuite)).Methods("POST")
	router.HandleFunc("/testsuite/{suite}", api.handle("end suite", api.endSuite)).Methods("DELETE")
	router.HandleFunc("/testsuite/{suite}/test", api.handle("start test", api.startTest)).Methods("POST")
	// Ending a test carries the result in the body, so it is a POST.
	router.HandleFunc("/testsuite/{suite}/test/{test}", api.handle("end test", api.endTest)).Methods("POST")
	router.HandleFunc("/testsuite/{suite}/test/{test}/node", api.handle("start client", api.startClient)).Methods("POST")
	router.HandleFunc("/testsuite/{suite}/test/{test}/node/{node}", api.handle("client info", api.getNodeInfo)).Methods("GET")
	router.HandleFunc("/testsuite/{suite}/test/{test}/node/{node}", api.handle("stop client", api.stopClient)).Methods("DELETE")
}

// session identifies the suite, test and client addressed by a request path.
// Fields missing from the path are zero.
type session struct {
	suite TestSuiteID
	test  TestID
	node  string
}

// apiError is an error with the HTTP status it is served with.
type apiError struct {
	status int
	err    error
}

func (e *apiError) Error() string { return e.err.Error() }
func (e *apiError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &apiError{status: http.StatusBadRequest, err: err}
}

func statusOf(err error) int {
	var aerr *apiError
	switch {
	case errors.As(err, &aerr):
		return aerr.status
	case errors.Is(err, ErrNoSuchNode):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// handlerFunc serves a request in its session. The returned value is sent as the
// JSON response; nil is sent as null.
type handlerFunc func(r *http.Request, s session) (interface{}, error)

// handle resolves the session of a request, runs fn and writes its response.
func (api *simAPI) handle(op string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := api.session(r)
		var resp interface{}
		if err == nil {
			resp, err = fn(r, s)
		}
		if err != nil {
			log15.Error("API: "+op+" failed", "suite", s.suite, "test", s.test, "error", err)
			serveError(w, err, statusOf(err))
			return
		}
		serveJSON(w, resp)
	}
}

// session parses the ids in the request path. The addressed suite and test must
// be running.
func (api *simAPI) session(r *http.Request) (s session, err error) {
	vars := mux.Vars(r)
	if v, ok := vars["suite"]; ok {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return s, badRequest(fmt.Errorf("invalid test suite %q", v))
		}
		s.suite = TestSuiteID(id)
		if _, running := api.tm.IsTestSuiteRunning(s.suite); !running {
			return s, badRequest(fmt.Errorf("test suite %d not running", id))
		}
	}
	if v, ok := vars["test"]; ok {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return s, badRequest(fmt.Errorf("invalid test case id %q", v))
		}
		s.test = TestID(id)
		if _, running := api.tm.IsTestRunning(s.test); !running {
			return s, badRequest(fmt.Errorf("test case %d is not running", id))
		}
	}
	s.node = vars["node"]
	return s, nil
}

func (api *simAPI) getClientTypes(r *http.Request, s session) (interface{}, error) {
	return api.tm.ClientDefinitions(), nil
}

func (api *simAPI) startSuite(r *http.Request, s session) (interface{}, error) {
	req, err := decodeTestRequest(r)
	if err != nil {
		return nil, err
	}
	id, err := api.tm.StartTestSuite(req.Name, req.Description)
	if err != nil {
		return nil, err
	}
	log15.Info("API: suite started", "suite", id, "name", req.Name)
	return id, nil
}

func (api *simAPI) endSuite(r *http.Request, s session) (interface{}, error) {
	if err := api.tm.EndTestSuite(s.suite); err != nil {
		return nil, err
	}
	log15.Info("API: suite ended", "suite", s.suite)
	return nil, nil
}

func (api *simAPI) startTest(r *http.Request, s session) (interface{}, error) {
	req, err := decodeTestRequest(r)
	if err != nil {
		return nil, err
	}
	id, err := api.tm.StartTest(s.suite, req.Name, req.Description)
	if err != nil {
		return nil, fmt.Errorf("can't start test case: %w", err)
	}
	log15.Info("API: test started", "suite", s.suite, "test", id, "name", req.Name)
	return id, nil
}

// endTest records the result of a test and stops its clients.
func (api *simAPI) endTest(r *http.Request, s session) (interface{}, error) {
	var result TestResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		return nil, badRequest(fmt.Errorf("can't unmarshal result: %v", err))
	}
	if err := api.tm.EndTest(s.suite, s.test, &result); err != nil {
		return nil, fmt.Errorf("can't end test case: %w", err)
	}
	log15.Info("API: test ended", "suite", s.suite, "test", s.test, "pass", result.Pass)
	return nil, nil
}

// startClient creates and starts a client of the requested type. The client is
// registered with the test even when starting fails, so ending the test stops it.
func (api *simAPI) startClient(r *http.Request, s session) (interface{}, error) {
	defer func() {
		if r.MultipartForm != nil {
			r.MultipartForm.RemoveAll()
		}
	}()
	def, opts, err := api.decodeNodeRequest(r)
	if err != nil {
		return nil, err
	}

	timeout := api.env.ClientStartTimeout
	if timeout == 0 {
		timeout = defaultStartTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	id, err := api.backend.CreateContainer(ctx, def.Image, opts)
	if err != nil {
		return nil, fmt.Errorf("client container create failed (%v)", err)
	}
	info, err := api.backend.StartContainer(ctx, id, opts)
	if info != nil {
		api.tm.addClientVersion(s.suite, def)
		api.tm.RegisterNode(s.test, info.ID, &ClientInfo{
			ID:             info.ID,
			IP:             info.IP,
			Name:           def.Name,
			InstantiatedAt: time.Now(),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("client %s (%s) did not start: %v", def.Name, shortID(id), err)
	}
	if info == nil {
		return nil, fmt.Errorf("client %s (%s) has no container info", def.Name, shortID(id))
	}
	log15.Info("API: client started", "client", def.Name, "suite", s.suite, "test", s.test, "container", shortID(id), "ip", info.IP)
	return &simapi.StartNodeResponse{ID: info.ID, IP: info.IP}, nil
}

// decodeNodeRequest reads the multipart node start request: a JSON 'config' field and
// one file part per file to copy into the container, named by its destination path.
func (api *simAPI) decodeNodeRequest(r *http.Request) (*ClientDefinition, ContainerOptions, error) {
	var opts ContainerOptions
	if err := r.ParseMultipartForm(maxNodeRequestMemory); err != nil {
		return nil, opts, badRequest(errors.New("could not parse node request"))
	}
	if !r.Form.Has("config") {
		return nil, opts, badRequest(errors.New("missing 'config' parameter in node request"))
	}
	var config simapi.NodeConfig
	if err := json.Unmarshal([]byte(r.Form.Get("config")), &config); err != nil {
		return nil, opts, badRequest(errors.New("invalid 'config' parameter in node request"))
	}
	def, err := api.clientDefinition(config.Client)
	if err != nil {
		return nil, opts, badRequest(err)
	}

	opts.Env = clientEnv(config.Environment, api.env.SimLogLevel)
	opts.Files = make(map[string]*multipart.FileHeader)
	for path, headers := range r.MultipartForm.File {
		if len(headers) > 0 {
			opts.Files[path] = headers[0]
		}
	}
	return def, opts, nil
}

func (api *simAPI) clientDefinition(name string) (*ClientDefinition, error) {
	if name == "" {
		return nil, ErrMissingClientType
	}
	def, ok := api.tm.clientDefs[name]
	if !ok {
		return nil, fmt.Errorf("%w %q in start request", ErrUnknownClientType, name)
	}
	return def, nil
}

// clientEnv keeps the HIVE_ variables of env and defaults HIVE_LOGLEVEL to the
// simulation log level.
func clientEnv(env map[string]string, logLevel int) map[string]string {
	out := make(map[string]string, len(env)+1)
	for k, v := range env {
		if strings.HasPrefix(k, hiveEnvvarPrefix) {
			out[k] = v
		}
	}
	if out["HIVE_LOGLEVEL"] == "" {
		out["HIVE_LOGLEVEL"] = strconv.Itoa(logLevel)
	}
	return out
}

func (api *simAPI) stopClient(r *http.Request, s session) (interface{}, error) {
	if err := api.tm.StopNode(s.test, s.node); err != nil {
		return nil, err
	}
	log15.Info("API: client stopped", "suite", s.suite, "test", s.test, "container", shortID(s.node))
	return nil, nil
}

func (api *simAPI) getNodeInfo(r *http.Request, s session) (interface{}, error) {
	info, err := api.tm.GetNodeInfo(s.test, s.node)
	if err != nil {
		return nil, &apiError{status: http.StatusNotFound, err: err}
	}
	return &simapi.NodeResponse{ID: info.ID, Name: info.Name}, nil
}

func decodeTestRequest(r *http.Request) (*simapi.TestRequest, error) {
	var req simapi.TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, badRequest(err)
	}
	if req.Name == "" {
		return nil, badRequest(errors.New("name is empty"))
	}
	return &req, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func serveJSON(w http.ResponseWriter, value interface{}) {
	resp, err := json.Marshal(value)
	if err != nil {
		log15.Error("API: internal error while encoding response", "error", err)
		serveError(w, errors.New("internal error"), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func serveError(w http.ResponseWriter, err error, status int) {
	resp, _ := json.Marshal(&simapi.Error{Error: err.Error()})
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	w.Write(resp)
}
