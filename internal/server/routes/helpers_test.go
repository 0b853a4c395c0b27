package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"github.com/ghast-core/ghast-core/internal/database"
	"github.com/ghast-core/ghast-core/internal/datastore"
	"github.com/ghast-core/ghast-core/internal/events"
	"github.com/ghast-core/ghast-core/internal/extension"
	"github.com/ghast-core/ghast-core/internal/registry"
)

func writePackage(t *testing.T, dir, name string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name+".gext"))
	if err != nil {
		t.Fatalf("create package: %v", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	w, err := zw.Create(extension.ManifestFile)
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	fmt.Fprintf(w, "name: %s\nversion: 1.2.0\nmain: main.js\n", name)
	w, err = zw.Create("main.js")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	io.WriteString(w, "// "+name)
	if err := zw.Close(); err != nil {
		t.Fatalf("close package: %v", err)
	}
}

type memBackend struct {
	mu   sync.Mutex
	data map[string]string
}

func (b *memBackend) Lookup(_ context.Context, entityID, namespace, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[entityID+"/"+namespace+"/"+key]
	return v, ok, nil
}

func (b *memBackend) Upsert(_ context.Context, rec database.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[rec.EntityID+"/"+rec.Namespace+"/"+rec.Key] = rec.Value
	return nil
}

// echoExtension 的 echo 函数原样返回参数，put 函数写入能力句柄。
type echoExtension struct {
	desc registry.Descriptor
	caps extension.Capabilities
}

func (e *echoExtension) Descriptor() registry.Descriptor { return e.desc }

func (e *echoExtension) Enable(_ context.Context, caps extension.Capabilities) error {
	e.caps = caps
	return nil
}

func (e *echoExtension) Disable(context.Context) error { return nil }

func (e *echoExtension) Invoke(ctx context.Context, fn string, args ...any) (any, error) {
	switch fn {
	case "echo":
		return args, nil
	case "put":
		return nil, e.caps.Put(ctx, fmt.Sprint(args[0]), fmt.Sprint(args[1]), fmt.Sprint(args[2]))
	}
	return nil, fmt.Errorf("unknown function %s", fn)
}

type testEnv struct {
	app     *fiber.App
	dir     string
	manager *extension.Manager
	store   *datastore.Store
	bus     *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	store := datastore.New(&memBackend{data: map[string]string{}}, datastore.Options{CachingEnabled: true, Logger: logger})
	bus := events.NewBus(logger)
	store.Subscribe(bus)

	loader := extension.LoaderFunc(func(_ context.Context, c extension.Candidate) (extension.Extension, error) {
		return &echoExtension{desc: registry.Descriptor{Name: c.Manifest.Name, Version: c.Manifest.Version}}, nil
	})
	manager, err := extension.NewManager(extension.Options{
		Directory:        dir,
		PackageExtension: ".gext",
		ContinueOnError:  true,
		MaxLoaded:        5,
	}, extension.Dependencies{
		Loader:   loader,
		Store:    store,
		Registry: registry.New(),
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	app := fiber.New()
	RegisterExtensionRoutes(app, manager)
	RegisterEntityRoutes(app, bus, store)
	return &testEnv{app: app, dir: dir, manager: manager, store: store, bus: bus}
}

func doRequest(t *testing.T, app *fiber.App, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, url, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	payload := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("decode %s: %v", string(raw), err)
		}
	}
	return resp, payload
}
