package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/ociproxy/imgfetch/config"
	"github.com/ociproxy/imgfetch/pkg/models"
	"github.com/ociproxy/imgfetch/pkg/progressbus"
	"github.com/ociproxy/imgfetch/pkg/registryclient"
	"github.com/ociproxy/imgfetch/pkg/scheduler"
	"github.com/ociproxy/imgfetch/pkg/taskstore"
	"github.com/ociproxy/imgfetch/pkg/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp(t *testing.T) (*fiber.App, *taskstore.Store) {
	t.Helper()
	log := utils.NewLogger(utils.Config{})
	pm := utils.NewPathManager(t.TempDir(), log)
	store := taskstore.New(pm, log)
	client := registryclient.NewClient(log)
	bus := progressbus.New(log)
	registries := []config.RegistryConfig{{Name: "dockerhub", Host: "registry-1.docker.io"}}
	sched := scheduler.New(config.SchedulerConfig{MaxTasks: 1, MaxBlobsPerTask: 1, MaxRetries: 0}, registries, store, client, bus, log)
	handler := NewDownloadsHandler(store, sched, bus, log)

	app := fiber.New()
	app.Post("/api/downloads", handler.Create)
	app.Get("/api/downloads", handler.List)
	app.Get("/api/downloads/:id", handler.Get)
	app.Post("/api/downloads/:id/pause", handler.Pause)
	app.Post("/api/downloads/:id/resume", handler.Resume)
	app.Post("/api/downloads/:id/cancel", handler.Cancel)
	app.Post("/api/downloads/:id/retry", handler.Retry)
	app.Delete("/api/downloads/:id", handler.Delete)

	return app, store
}

// testResponse holds a decoded fiber.App.Test result for assertions.
type testResponse struct {
	Code int
	Body *bytes.Buffer
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) *testResponse {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return &testResponse{Code: resp.StatusCode, Body: bytes.NewBuffer(data)}
}

func TestCreateDownloadValidatesRequiredFields(t *testing.T) {
	app, _ := testApp(t)
	rec := doJSON(t, app, fiber.MethodPost, "/api/downloads", map[string]string{"source": "dockerhub"})
	assert.Equal(t, fiber.StatusBadRequest, rec.Code)
}

func TestCreateDownloadSucceeds(t *testing.T) {
	app, store := testApp(t)

	rec := doJSON(t, app, fiber.MethodPost, "/api/downloads", map[string]string{
		"source":     "dockerhub",
		"repository": "library/nginx",
		"reference":  "latest",
	})
	require.Equal(t, fiber.StatusAccepted, rec.Code)

	var envelope struct {
		Data models.Task `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.NotEmpty(t, envelope.Data.ID)
	assert.Equal(t, models.StatePending, envelope.Data.State)

	got, err := store.Get(envelope.Data.ID)
	require.NoError(t, err)
	assert.Equal(t, "library/nginx", got.Coord.Repository)
}

func TestCreateDownloadUnknownRegistryRejected(t *testing.T) {
	app, _ := testApp(t)

	rec := doJSON(t, app, fiber.MethodPost, "/api/downloads", map[string]string{
		"source":     "no-such-registry",
		"repository": "library/nginx",
		"reference":  "latest",
	})
	assert.Equal(t, fiber.StatusBadRequest, rec.Code)
}

func TestGetDownloadNotFound(t *testing.T) {
	app, _ := testApp(t)
	rec := doJSON(t, app, fiber.MethodGet, "/api/downloads/missing", nil)
	assert.Equal(t, fiber.StatusNotFound, rec.Code)
}

func TestListDownloadsReturnsAll(t *testing.T) {
	app, store := testApp(t)
	require.NoError(t, store.Create(&models.Task{ID: "t1", State: models.StatePending}))
	require.NoError(t, store.Create(&models.Task{ID: "t2", State: models.StatePending}))

	rec := doJSON(t, app, fiber.MethodGet, "/api/downloads", nil)
	assert.Equal(t, fiber.StatusOK, rec.Code)

	var envelope struct {
		Data []models.Task `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Len(t, envelope.Data, 2)
}

func TestDeleteRequiresTerminalState(t *testing.T) {
	app, store := testApp(t)
	require.NoError(t, store.Create(&models.Task{ID: "t1", State: models.StateFetching}))

	rec := doJSON(t, app, fiber.MethodDelete, "/api/downloads/t1", nil)
	assert.Equal(t, fiber.StatusConflict, rec.Code)
}

func TestDeleteTerminalTaskSucceeds(t *testing.T) {
	app, store := testApp(t)
	require.NoError(t, store.Create(&models.Task{ID: "t1", State: models.StateCompleted}))

	rec := doJSON(t, app, fiber.MethodDelete, "/api/downloads/t1", nil)
	assert.Equal(t, fiber.StatusNoContent, rec.Code)

	_, err := store.Get("t1")
	assert.Error(t, err)
}

func TestPauseUnknownTaskReturnsNotFound(t *testing.T) {
	app, _ := testApp(t)
	rec := doJSON(t, app, fiber.MethodPost, "/api/downloads/missing/pause", nil)
	assert.Equal(t, fiber.StatusNotFound, rec.Code)
}

func TestPauseOnCompletedTaskReturnsTaskRecord(t *testing.T) {
	app, store := testApp(t)
	require.NoError(t, store.Create(&models.Task{ID: "t1", State: models.StateCompleted}))

	rec := doJSON(t, app, fiber.MethodPost, "/api/downloads/t1/pause", nil)
	assert.Equal(t, fiber.StatusOK, rec.Code)

	var envelope struct {
		Data models.Task `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "t1", envelope.Data.ID, "success body must carry the task record per §6")
}

func TestCancelOnCompletedTaskReturnsBadRequest(t *testing.T) {
	app, store := testApp(t)
	require.NoError(t, store.Create(&models.Task{ID: "t1", State: models.StateCompleted}))

	rec := doJSON(t, app, fiber.MethodPost, "/api/downloads/t1/cancel", nil)
	assert.Equal(t, fiber.StatusBadRequest, rec.Code, "§6: cancel on a Completed task returns 400")
}
