//go:build integration

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/codemod-run/internal/component"
	"github.com/ssuji15/codemod-run/internal/config"
	jobservice "github.com/ssuji15/codemod-run/internal/service/job_service"
	tjetstream "github.com/ssuji15/codemod-run/internal/testutil/jetstream"
	"github.com/ssuji15/codemod-run/model"
)

var (
	jsService *jobservice.JobService
	server    *Server
)

func setServerEnv(url string) {
	os.Setenv("JETSTREAM_URL", url)
	os.Setenv("MAX_MESSAGES_JOB_QUEUE", "200")
	os.Setenv("JETSTREAM_TTL", "60")
	os.Setenv("JETSTREAM_BUCKET_NAME", "TEST_CACHE")
	os.Setenv("JETSTREAM_BUCKET_SIZE", "1048576")
}

func TestMain(m *testing.M) {
	ctx := context.Background()
	natsContainer, url := tjetstream.SetupContainer(ctx)
	setServerEnv(url)

	c, err := component.GetCache(ctx, "jetstream")
	if err != nil {
		panic(err)
	}
	q, err := component.GetQueue("jetstream")
	if err != nil {
		panic(err)
	}
	jsService = jobservice.NewJobService(c, q, nil, nil)
	server = NewServer(&config.ServerConfig{
		RATE_LIMIT_PER_MINUTE: 1000,
		MAX_INFLIGHT_REQUESTS: 10,
		REQUEST_QUEUE_SIZE:    10,
		VERSION:               "it",
	}, jsService, tokenAuth{"it-token": "user-it"})

	code := m.Run()
	q.ShutDown(ctx)
	c.ShutDown(ctx)
	_ = natsContainer.Terminate(ctx)
	os.Exit(code)
}

func call(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer it-token")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func TestSubmitPollAndConsumeOverJetStream(t *testing.T) {
	ctx := context.Background()
	body, err := json.Marshal(validRun("rename"))
	require.NoError(t, err)

	rec := call(t, http.MethodPost, "/codemodRun", string(body))
	require.Equal(t, http.StatusOK, rec.Code)
	var run model.RunResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	require.Len(t, run.Data, 1)
	id := run.Data[0].JobID

	rec = call(t, http.MethodGet, "/codemodRun/status/"+id, "")
	var st model.StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	require.Equal(t, model.JobQueued, st.Data[0].Status.Status)

	// the queued job is not consumed by an early output read
	rec = call(t, http.MethodGet, "/codemodRun/output/"+id, "")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	require.Equal(t, model.JobQueued, st.Data[0].Status.Status)

	require.NoError(t, jsService.Status().Write(ctx, id, model.Status{Status: model.JobInProgress}))
	require.NoError(t, jsService.Status().Write(ctx, id, model.Status{Status: model.JobErrored, Message: "clone failed"}))

	rec = call(t, http.MethodGet, "/codemodRun/output/"+id, "")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	require.Equal(t, model.JobErrored, st.Data[0].Status.Status)
	require.Equal(t, "clone failed", st.Data[0].Status.Message)

	rec = call(t, http.MethodGet, "/codemodRun/output/"+id, "")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	require.Equal(t, model.JobNotFound, st.Data[0].Status.Status)
}
