package effects

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/internal/httpclient"
	"github.com/rendis/intake/pkg/schema"
)

type fakeDatastore struct {
	mu   sync.Mutex
	rows []map[string]any
	err  error
}

func (f *fakeDatastore) CreateRow(_ context.Context, tableID string, values map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.rows = append(f.rows, values)
	return "row-1", nil
}

type fakeDocuments struct {
	reqs []DocumentRequest
}

func (f *fakeDocuments) Trigger(_ context.Context, req DocumentRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	return "doc-1", nil
}

type staticSecrets map[string]string

func (s staticSecrets) Resolve(_ context.Context, key string) ([]byte, error) {
	v, ok := s[key]
	if !ok {
		return nil, errors.New("no such secret")
	}
	return []byte(v), nil
}

func TestBuildPayload(t *testing.T) {
	data := map[string]any{"email": "x@y.com", "age": 30}

	p := BuildPayload(schema.Effect{Kind: schema.EffectWriteback, Mapping: map[string]string{"col1": "email", "col2": "missing"}}, data)
	assert.Equal(t, map[string]any{"col1": "x@y.com", "col2": nil}, p)

	p = BuildPayload(schema.Effect{Kind: schema.EffectDocument}, data)
	assert.Equal(t, data, p)
	p["email"] = "changed"
	assert.Equal(t, "x@y.com", data["email"])
}

func TestValidateEffect(t *testing.T) {
	cases := []struct {
		name   string
		effect schema.Effect
		ok     bool
	}{
		{"send", schema.Effect{Kind: schema.EffectSend, Destination: "https://x"}, true},
		{"unknown kind", schema.Effect{Kind: "fax", Destination: "x"}, false},
		{"no destination", schema.Effect{Kind: schema.EffectSend}, false},
		{"writeback without mapping", schema.Effect{Kind: schema.EffectWriteback, Destination: "t"}, false},
		{"empty source key", schema.Effect{Kind: schema.EffectWriteback, Destination: "t", Mapping: map[string]string{"c": ""}}, false},
		{"writeback", schema.Effect{Kind: schema.EffectWriteback, Destination: "t", Mapping: map[string]string{"c": "k"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEffect(tc.effect)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, schema.IsCode(err, schema.ErrCodeConfig), "%v", err)
			}
		})
	}
}

func TestDispatch_PreviewPerformsNoIO(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	preview := NewPreviewSink()
	store := &fakeDatastore{}
	d := NewDispatcher(preview, NewLiveSink(LiveSinkConfig{Datastore: store}), nil)

	effects := []schema.Effect{
		{ID: "e1", Kind: schema.EffectSend, Destination: srv.URL, Mapping: map[string]string{"email": "email"}},
		{ID: "e2", Kind: schema.EffectWriteback, Destination: "t1", Mapping: map[string]string{"col1": "email"}},
	}
	for _, e := range effects {
		res := d.Dispatch(context.Background(), e, map[string]any{"email": "x@y.com"}, schema.ModePreview, RunInfo{RunID: "r"})
		assert.Nil(t, res.Error)
		assert.False(t, res.Sent)
		assert.Equal(t, "x@y.com", res.Payload[e.MappingTargets()[0]])
	}

	assert.Zero(t, hits.Load())
	assert.Empty(t, store.rows)
	assert.Len(t, preview.Recorded(), 2)
}

func TestDispatch_PreviewReportsMappingErrors(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	res := d.Dispatch(context.Background(), schema.Effect{ID: "bad", Kind: schema.EffectWriteback, Destination: "t"}, nil, schema.ModePreview, RunInfo{})
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeConfig, res.Error.Code)
	assert.Equal(t, "bad", res.Error.HookID)
}

func TestDispatch_LiveSend(t *testing.T) {
	var (
		gotAuth string
		gotBody map[string]any
		gotPath string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	live := NewLiveSink(LiveSinkConfig{
		Interpolator: expressions.NewInterpolator(staticSecrets{"crm_token": "s3cret"}),
	})
	d := NewDispatcher(nil, live, nil)

	effect := schema.Effect{
		ID:          "notify",
		Kind:        schema.EffectSend,
		Destination: srv.URL + "/runs/${{run.id}}",
		Headers:     map[string]string{"Authorization": "Bearer ${{secrets.crm_token}}"},
		Mapping:     map[string]string{"contact": "email"},
	}
	res := d.Dispatch(context.Background(), effect, map[string]any{"email": "x@y.com"}, schema.ModeLive, RunInfo{RunID: "run-7"})

	require.Nil(t, res.Error)
	assert.True(t, res.Sent)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, "/runs/run-7", gotPath)
	assert.Equal(t, map[string]any{"contact": "x@y.com"}, gotBody)
	assert.Equal(t, map[string]any{"accepted": true}, res.Response.(map[string]any)["body"])
}

func TestDispatch_LiveSendNon2xxAndCircuit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	live := NewLiveSink(LiveSinkConfig{Breakers: NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})})
	d := NewDispatcher(nil, live, nil)
	effect := schema.Effect{ID: "e", Kind: schema.EffectSend, Destination: srv.URL}

	for i := 0; i < 2; i++ {
		res := d.Dispatch(context.Background(), effect, nil, schema.ModeLive, RunInfo{})
		require.NotNil(t, res.Error)
		assert.Equal(t, schema.ErrCodeDispatch, res.Error.Code)
		assert.False(t, res.Sent)
	}

	res := d.Dispatch(context.Background(), effect, nil, schema.ModeLive, RunInfo{})
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeCircuitOpen, res.Error.Code)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDispatch_LiveWritebackAndDocument(t *testing.T) {
	store := &fakeDatastore{}
	docs := &fakeDocuments{}
	d := NewDispatcher(nil, NewLiveSink(LiveSinkConfig{Datastore: store, Documents: docs}), nil)
	data := map[string]any{"email": "x@y.com"}

	res := d.Dispatch(context.Background(), schema.Effect{
		ID: "wb", Kind: schema.EffectWriteback, Destination: "table-1", Mapping: map[string]string{"col1": "email"},
	}, data, schema.ModeLive, RunInfo{RunID: "r1"})
	require.Nil(t, res.Error)
	assert.True(t, res.Sent)
	assert.Equal(t, []map[string]any{{"col1": "x@y.com"}}, store.rows)

	res = d.Dispatch(context.Background(), schema.Effect{
		ID: "doc", Kind: schema.EffectDocument, Destination: "tpl-1",
	}, data, schema.ModeLive, RunInfo{RunID: "r1"})
	require.Nil(t, res.Error)
	require.Len(t, docs.reqs, 1)
	assert.Equal(t, "tpl-1", docs.reqs[0].TemplateID)
	assert.Equal(t, "r1", docs.reqs[0].RunID)
	assert.Equal(t, "x@y.com", docs.reqs[0].Answers["email"])
}

func TestDispatch_LiveMissingCollaborators(t *testing.T) {
	d := NewDispatcher(nil, NewLiveSink(LiveSinkConfig{}), nil)
	res := d.Dispatch(context.Background(), schema.Effect{
		ID: "wb", Kind: schema.EffectWriteback, Destination: "t", Mapping: map[string]string{"c": "k"},
	}, nil, schema.ModeLive, RunInfo{})
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeConfig, res.Error.Code)
}

func TestDispatch_DatastoreErrorIsReported(t *testing.T) {
	store := &fakeDatastore{err: schema.NewError(schema.ErrCodeDispatch, "db down")}
	d := NewDispatcher(nil, NewLiveSink(LiveSinkConfig{Datastore: store}), nil)
	res := d.Dispatch(context.Background(), schema.Effect{
		ID: "wb", Kind: schema.EffectWriteback, Destination: "t", Mapping: map[string]string{"c": "k"},
	}, nil, schema.ModeLive, RunInfo{})
	require.NotNil(t, res.Error)
	assert.Equal(t, "db down", res.Error.Message)
	assert.True(t, schema.IsRetryable(res.Error))
}

func TestDispatch_LiveWithoutLiveSinkSimulates(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	res := d.Dispatch(context.Background(), schema.Effect{ID: "e", Kind: schema.EffectSend, Destination: "https://x.test"}, nil, schema.ModeLive, RunInfo{})
	assert.Nil(t, res.Error)
	assert.False(t, res.Sent)
}

func TestWebhookDocumentTrigger(t *testing.T) {
	var got DocumentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"job-42"}`))
	}))
	defer srv.Close()

	trig := NewWebhookDocumentTrigger(httpclient.New(httpclient.Config{}), srv.URL)
	ref, err := trig.Trigger(context.Background(), DocumentRequest{RunID: "r", TemplateID: "t", Answers: map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, "job-42", ref)
	assert.Equal(t, "t", got.TemplateID)
}

func TestObjectStoreDocumentTrigger(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			gotPath = r.URL.Path
			b, _ := io.ReadAll(r.Body)
			gotBody = string(b)
			w.Header().Set("ETag", `"abc"`)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	trig, err := NewObjectStoreDocumentTrigger(ObjectStoreConfig{
		Endpoint:  srv.Listener.Addr().String(),
		AccessKey: "ak",
		SecretKey: "sk",
		Region:    "us-east-1",
		Bucket:    "docs",
	})
	require.NoError(t, err)

	ref, err := trig.Trigger(context.Background(), DocumentRequest{RunID: "run-1", TemplateID: "invoice", Answers: map[string]any{"a": "b"}})
	require.NoError(t, err)
	assert.Equal(t, "s3://docs/document-requests/invoice/run-1.json", ref)
	assert.Equal(t, "/docs/document-requests/invoice/run-1.json", gotPath)
	assert.Contains(t, gotBody, `"run_id":"run-1"`)

	_, err = NewObjectStoreDocumentTrigger(ObjectStoreConfig{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}
