package hivesim

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/portal-hive/internal/fakes"
	"github.com/ethereum/portal-hive/internal/libhive"
	"github.com/stretchr/testify/require"
)

// newFakeAPI starts an orchestrator with two client types and a fake container backend.
func newFakeAPI(hooks *fakes.BackendHooks) (*libhive.TestManager, *httptest.Server) {
	defs := []*libhive.ClientDefinition{
		{
			Name:    "client-1",
			Version: "client-1-version",
			Image:   "portal/client-1",
			Meta:    libhive.ClientMetadata{Roles: []string{"portal"}},
		},
		{
			Name:    "client-2",
			Version: "client-2-version",
			Image:   "portal/client-2",
			Meta:    libhive.ClientMetadata{Roles: []string{"portal", "bridge"}},
		},
	}
	backend := fakes.NewContainerBackend(hooks)
	tm, err := libhive.NewTestManager(libhive.SimEnv{SimLogLevel: 3}, backend, defs)
	if err != nil {
		panic(err)
	}
	return tm, httptest.NewServer(tm.API())
}

// This test checks that the API returns configured client names correctly.
func TestClientTypes(t *testing.T) {
	tm, srv := newFakeAPI(nil)
	defer srv.Close()
	defer tm.Terminate()

	sim := NewAt(srv.URL)
	ctypes, err := sim.ClientTypes(context.Background())
	if err != nil {
		t.Fatal("can't get client types:", err)
	}
	if names := clientNames(ctypes); !reflect.DeepEqual(names, []string{"client-1", "client-2"}) {
		t.Fatal("wrong client types:", names)
	}
	if !ctypes[1].HasRole("bridge") || ctypes[0].HasRole("bridge") {
		t.Fatal("wrong client roles:", ctypes[0].Meta, ctypes[1].Meta)
	}
	if ctypes[0].Version != "client-1-version" {
		t.Fatal("wrong client version:", ctypes[0].Version)
	}
}

// This test checks that start options are delivered to the container backend.
func TestStartClientOptions(t *testing.T) {
	var (
		mu       sync.Mutex
		gotEnv   map[string]string
		gotFiles = make(map[string]string)
		gotImg   string
	)
	hooks := &fakes.BackendHooks{
		StartContainer: func(image, containerID string, opt libhive.ContainerOptions) (*libhive.ContainerInfo, error) {
			mu.Lock()
			defer mu.Unlock()
			gotImg = image
			gotEnv = opt.Env
			for path, fh := range opt.Files {
				f, err := fh.Open()
				if err != nil {
					return nil, err
				}
				content, _ := io.ReadAll(f)
				f.Close()
				gotFiles[path] = string(content)
			}
			return &libhive.ContainerInfo{IP: "192.0.2.99"}, nil
		},
	}
	tm, srv := newFakeAPI(hooks)
	defer srv.Close()
	defer tm.Terminate()

	ctx := context.Background()
	sim := NewAt(srv.URL)
	suiteID, err := sim.StartSuite(ctx, "suite", "")
	require.NoError(t, err)
	testID, err := sim.StartTest(ctx, suiteID, "test", "")
	require.NoError(t, err)

	bootnodes := filepath.Join(t.TempDir(), "bootnodes.txt")
	require.NoError(t, os.WriteFile(bootnodes, []byte("enr:-abc"), 0644))

	opts := []StartOption{
		Params{"HIVE_NETWORK": "testnet", "NOT_HIVE": "dropped"},
		WithPrivateKey("0xfc34e57cc83ed45aae140152fd84e2c21d1f4d46e19452e13acc7ee90daa5bac"),
		WithDynamicFile("/genesis.json", func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(`{"config":{}}`)), nil
		}),
		Bundle(
			WithStaticFiles(map[string]string{"/bootnodes.txt": bootnodes}),
			Params{"HIVE_BOOTNODES": "/bootnodes.txt"},
		),
	}
	container, ip, err := sim.StartClient(ctx, suiteID, testID, "client-2", opts...)
	require.NoError(t, err)
	require.NotEmpty(t, container)
	require.Equal(t, "192.0.2.99", ip.String())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "portal/client-2", gotImg)
	require.Equal(t, map[string]string{
		"HIVE_NETWORK":     "testnet",
		"HIVE_PRIVATE_KEY": "fc34e57cc83ed45aae140152fd84e2c21d1f4d46e19452e13acc7ee90daa5bac",
		"HIVE_BOOTNODES":   "/bootnodes.txt",
		"HIVE_LOGLEVEL":    "3",
	}, gotEnv)
	require.Equal(t, map[string]string{
		"/genesis.json":  `{"config":{}}`,
		"/bootnodes.txt": "enr:-abc",
	}, gotFiles)
}

func TestStartClientUnknownType(t *testing.T) {
	tm, srv := newFakeAPI(nil)
	defer srv.Close()
	defer tm.Terminate()

	ctx := context.Background()
	sim := NewAt(srv.URL)
	suiteID, err := sim.StartSuite(ctx, "suite", "")
	require.NoError(t, err)
	testID, err := sim.StartTest(ctx, suiteID, "test", "")
	require.NoError(t, err)

	_, _, err = sim.StartClient(ctx, suiteID, testID, "no-such-client")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown client type")
}

// This test checks that ids are not reused and a test can only be ended once.
func TestSessionLifecycle(t *testing.T) {
	tm, srv := newFakeAPI(nil)
	defer srv.Close()
	defer tm.Terminate()

	ctx := context.Background()
	sim := NewAt(srv.URL)
	suiteID, err := sim.StartSuite(ctx, "suite", "")
	require.NoError(t, err)
	t1, err := sim.StartTest(ctx, suiteID, "test-1", "")
	require.NoError(t, err)
	t2, err := sim.StartTest(ctx, suiteID, "test-2", "")
	require.NoError(t, err)
	require.NotEqual(t, t1, t2)

	require.NoError(t, sim.EndTest(ctx, suiteID, t1, TestResult{Pass: true}))
	require.Error(t, sim.EndTest(ctx, suiteID, t1, TestResult{Pass: true}), "second EndTest should fail")

	// The suite can't end while test-2 is running.
	require.Error(t, sim.EndSuite(ctx, suiteID))
	require.NoError(t, sim.EndTest(ctx, suiteID, t2, TestResult{Pass: false, Details: "boom"}))
	require.NoError(t, sim.EndSuite(ctx, suiteID))

	// Suite ids are not reused.
	next, err := sim.StartSuite(ctx, "suite", "")
	require.NoError(t, err)
	require.NotEqual(t, suiteID, next)
}

// This test checks that multi-line descriptions are dedented.
func TestDescriptionFormatting(t *testing.T) {
	tm, srv := newFakeAPI(nil)
	defer srv.Close()

	ctx := context.Background()
	sim := NewAt(srv.URL)
	suiteID, err := sim.StartSuite(ctx, "suite", `
		First line.
		  Indented line.
	`)
	require.NoError(t, err)
	require.NoError(t, sim.EndSuite(ctx, suiteID))

	results := tm.Results()
	require.Equal(t, "First line.\n  Indented line.", results[libhive.TestSuiteID(suiteID)].Description)
}

func TestSetTestPatternInvalid(t *testing.T) {
	sim := NewAt("http://127.0.0.1:1")
	if err := sim.SetTestPattern("suite/("); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
	if sim.Matcher() != nil {
		t.Fatal("matcher installed despite error")
	}
}

func TestRequestFailure(t *testing.T) {
	tm, srv := newFakeAPI(nil)
	defer srv.Close()
	defer tm.Terminate()

	// Suite 7 does not exist.
	err := NewAt(srv.URL).EndSuite(context.Background(), 7)
	require.Error(t, err)
	require.Contains(t, err.Error(), "(400)")
	require.Contains(t, err.Error(), "test suite 7 not running")
}
