package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmark/coordinator/internal/authority"
	"github.com/openmark/coordinator/internal/catalog"
	"github.com/openmark/coordinator/internal/exam"
	"github.com/openmark/coordinator/internal/metrics"
	"github.com/openmark/coordinator/internal/progress"
	"github.com/openmark/coordinator/internal/queue"
	"github.com/openmark/coordinator/internal/store"
	"github.com/openmark/coordinator/internal/users"
)

type env struct {
	ts   *httptest.Server
	cat  *catalog.Catalog
	st   *store.Store
	auth *authority.Authority
}

func testSpec() *exam.Spec {
	return &exam.Spec{
		Name:             "mid250",
		NumberOfVersions: 1,
		NumberOfPages:    4,
		IDPages:          []int{1},
		Questions: map[int]exam.Question{
			1: {Pages: []int{2}, MaxMark: 5},
			2: {Pages: []int{3, 4}, MaxMark: 10},
		},
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	log := logrus.NewEntry(logger)

	dir := t.TempDir()
	spec := testSpec()
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"), spec, log)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	st, err := store.New(filepath.Join(dir, "artifacts"), log)
	require.NoError(t, err)

	auth := authority.New("", 4, log)
	hash, err := auth.HashPassword("pass1234")
	require.NoError(t, err)
	list, err := json.Marshal(map[string]string{
		"iris": hash, "omar": hash, "manager": hash,
	})
	require.NoError(t, err)
	userList := filepath.Join(dir, "userList.json")
	require.NoError(t, writeFile(userList, list))
	registry := users.NewRegistry(userList, auth, cat, log)
	require.NoError(t, registry.Load())

	reg := prometheus.NewRegistry()
	srv := New(Deps{
		Log:      log,
		Auth:     auth,
		Users:    registry,
		Catalog:  cat,
		IDs:      queue.NewIDQueue(cat),
		Marks:    queue.NewMarkQueue(cat),
		Progress: progress.New(cat),
		Store:    st,
		Spec:     spec,
		Metrics:  metrics.New(reg),
		Gatherer: reg,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &env{ts: ts, cat: cat, st: st, auth: auth}
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}

func (e *env) seedPaper(t *testing.T, n int) {
	t.Helper()
	require.NoError(t, e.cat.AddPaper(catalog.Paper{
		PaperNumber:      n,
		MagicCode:        fmt.Sprintf("m%d", n),
		QuestionVersions: map[int]int{1: 1, 2: 1},
	}))
	for page := 1; page <= 4; page++ {
		id, err := e.st.Put(store.KindPage, []byte(fmt.Sprintf("scan-%d-%d", n, page)))
		require.NoError(t, err)
		_, err = e.cat.IngestPage(n, page, 1, id, "scan.png")
		require.NoError(t, err)
	}
}

// do sends a JSON body with the given method; responses are returned
// raw so tests can inspect status and body.
func (e *env) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, e.ts.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) login(t *testing.T, user string) string {
	t.Helper()
	resp := e.do(t, "PUT", "/users/"+user, map[string]string{
		"user": user, "pw": "pass1234", "api": apiVersion,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out["token"], 32)
	return out["token"]
}

type mpart struct {
	name string
	data []byte
}

func readParts(t *testing.T, resp *http.Response) []mpart {
	t.Helper()
	mt, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/form-data", mt)
	mr := multipart.NewReader(resp.Body, params["boundary"])
	var parts []mpart
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(p)
		require.NoError(t, err)
		parts = append(parts, mpart{name: p.FormName(), data: data})
	}
	return parts
}

func TestVersionAndInfo(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.ts.URL + "/Version")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), apiVersion)

	resp2, err := http.Get(e.ts.URL + "/info/spec")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var spec map[string]interface{}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&spec))
	assert.Equal(t, "mid250", spec["name"])
	assert.NotContains(t, spec, "private_seed")
}

func TestTokenLifecycle(t *testing.T) {
	e := newEnv(t)

	// wrong protocol revision is turned away before the password check
	resp := e.do(t, "PUT", "/users/iris", map[string]string{
		"user": "iris", "pw": "pass1234", "api": "2",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// wrong password
	resp = e.do(t, "PUT", "/users/iris", map[string]string{
		"user": "iris", "pw": "nope", "api": apiVersion,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := e.login(t, "iris")

	// a second login while the token is live collides
	resp = e.do(t, "PUT", "/users/iris", map[string]string{
		"user": "iris", "pw": "pass1234", "api": apiVersion,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// the crashed client clears its session with the password alone
	resp = e.do(t, "DELETE", "/authorisation", map[string]string{
		"user": "iris", "pw": "pass1234",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, e.auth.Validate("iris", token))

	// and can log in again
	e.login(t, "iris")
}

func TestLogoutReturnsClaims(t *testing.T) {
	e := newEnv(t)
	e.seedPaper(t, 1)
	token := e.login(t, "iris")

	resp := e.do(t, "GET", "/ID/tasks/available", map[string]string{"user": "iris", "token": token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, "DELETE", "/users/iris", map[string]string{"user": "iris", "token": token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the task went back on the pile for the next user
	other := e.login(t, "omar")
	resp = e.do(t, "GET", "/ID/tasks/available", map[string]string{"user": "omar", "token": other})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnauthorisedRequestHasNoSideEffect(t *testing.T) {
	e := newEnv(t)
	e.seedPaper(t, 1)

	resp := e.do(t, "GET", "/ID/tasks/available", map[string]string{
		"user": "iris", "token": "00000000000000000000000000000000",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// the queue is untouched: a real login still gets the task
	token := e.login(t, "iris")
	resp = e.do(t, "GET", "/ID/tasks/available", map[string]string{"user": "iris", "token": token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIdentifyFlow(t *testing.T) {
	e := newEnv(t)
	e.seedPaper(t, 1)
	token := e.login(t, "iris")
	creds := map[string]string{"user": "iris", "token": token}

	resp := e.do(t, "GET", "/ID/tasks/available", creds)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claim map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claim))
	code := claim["code"]
	require.Equal(t, "0001", code)

	// the queue is now empty for everyone else
	other := e.login(t, "omar")
	resp = e.do(t, "GET", "/ID/tasks/available", map[string]string{"user": "omar", "token": other})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// collect the id pages
	resp = e.do(t, "GET", "/ID/images/"+code, creds)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	parts := readParts(t, resp)
	require.Equal(t, "image_ids", parts[0].name)
	var ids []string
	require.NoError(t, json.Unmarshal(parts[0].data, &ids))
	require.Len(t, ids, 1)
	assert.Equal(t, []byte("scan-1-1"), parts[1].data)

	// identify it
	resp = e.do(t, "PUT", "/ID/tasks/"+code, map[string]interface{}{
		"user": "iris", "token": token, "sid": "10000001", "sname": "Ada Lovelace",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, "GET", "/ID/progress", creds)
	var prog []int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&prog))
	assert.Equal(t, []int{1, 1}, prog)

	resp = e.do(t, "GET", "/ID/tasks/complete", creds)
	var done []map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&done))
	require.Len(t, done, 1)
	assert.Equal(t, "10000001", done[0]["sid"])
}

func TestMarkFlow(t *testing.T) {
	e := newEnv(t)
	e.seedPaper(t, 1)
	token := e.login(t, "iris")

	resp := e.do(t, "GET", "/MK/maxMark", map[string]interface{}{
		"user": "iris", "token": token, "question": 2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var max int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&max))
	assert.Equal(t, 10, max)

	resp = e.do(t, "GET", "/MK/maxMark", map[string]interface{}{
		"user": "iris", "token": token, "question": 9,
	})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)

	// claim
	resp = e.do(t, "GET", "/MK/tasks/available", map[string]interface{}{
		"user": "iris", "token": token, "question": 2, "version": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claim map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claim))
	code := claim["code"]
	require.Equal(t, "q0001g2", code)

	// collect the bundle
	resp = e.do(t, "PATCH", "/MK/tasks/"+code, map[string]string{"user": "iris", "token": token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	parts := readParts(t, resp)
	require.GreaterOrEqual(t, len(parts), 5)
	assert.Equal(t, "tags", parts[0].name)
	assert.Equal(t, "integrity", parts[1].name)
	integrity := string(parts[1].data)
	var imageIDs []string
	require.NoError(t, json.Unmarshal(parts[2].data, &imageIDs))
	require.Len(t, imageIDs, 2)
	assert.Equal(t, []byte("scan-1-3"), parts[3].data)
	assert.Equal(t, []byte("scan-1-4"), parts[4].data)

	// return it
	annotated := []byte("annotated-image")
	record := []byte(`{"strokes":[]}`)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	param, err := json.Marshal(map[string]interface{}{
		"user": "iris", "token": token,
		"score": 7, "mtime": 42, "tags": "checked", "version": 1,
		"annotated_digest": store.Hash(annotated),
		"image_digests":    imageIDs,
		"integrity_check":  integrity,
	})
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("param", string(param)))
	fw, err := mw.CreateFormFile("annotated", "annotated.png")
	require.NoError(t, err)
	fw.Write(annotated)
	fw, err = mw.CreateFormFile("record", "record.json")
	require.NoError(t, err)
	fw.Write(record)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest("PUT", e.ts.URL+"/MK/tasks/"+code, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	uresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer uresp.Body.Close()
	require.Equal(t, http.StatusOK, uresp.StatusCode)
	var prog []int
	require.NoError(t, json.NewDecoder(uresp.Body).Decode(&prog))
	assert.Equal(t, []int{1, 1}, prog)

	// the completed list reflects it
	resp = e.do(t, "GET", "/MK/tasks/complete", map[string]interface{}{
		"user": "iris", "token": token, "question": 2, "version": 1,
	})
	var done []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&done))
	require.Len(t, done, 1)
	assert.Equal(t, float64(7), done[0]["score"])
	assert.Equal(t, "checked", done[0]["tags"])
}

func TestAdminSurface(t *testing.T) {
	e := newEnv(t)
	irisToken := e.login(t, "iris")
	mgrToken := e.login(t, "manager")

	// only the manager account gets in
	resp := e.do(t, "POST", "/admin/users/reload", map[string]string{
		"user": "iris", "token": irisToken,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// create a user, with the sanity rules enforced
	resp = e.do(t, "PUT", "/admin/users/pema", map[string]string{
		"user": "manager", "token": mgrToken, "password": "pema-inside-no",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "password containing username")

	resp = e.do(t, "PUT", "/admin/users/HAL", map[string]string{
		"user": "manager", "token": mgrToken, "password": "daisy9000",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "reserved name")

	resp = e.do(t, "PUT", "/admin/users/pema", map[string]string{
		"user": "manager", "token": mgrToken, "password": "orchid99",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, e.auth.VerifyPassword("pema", "orchid99"))

	// disabling ends the session and blocks login
	resp = e.do(t, "PATCH", "/admin/users/iris/enable", map[string]interface{}{
		"user": "manager", "token": mgrToken, "enabled": false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, e.auth.Validate("iris", irisToken))
	resp = e.do(t, "PUT", "/users/iris", map[string]string{
		"user": "iris", "pw": "pass1234", "api": apiVersion,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminPaperAndPageIngest(t *testing.T) {
	e := newEnv(t)
	mgrToken := e.login(t, "manager")

	resp := e.do(t, "POST", "/admin/papers", map[string]interface{}{
		"user": "manager", "token": mgrToken,
		"paper_number": 1, "magic_code": "m1",
		"question_versions": map[string]int{"1": 1, "2": 1},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ingest := func(page int) map[string]interface{} {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		param, err := json.Marshal(map[string]interface{}{
			"user": "manager", "token": mgrToken,
			"paper": 1, "page": page, "version": 1, "source": "batch-0.pdf",
		})
		require.NoError(t, err)
		require.NoError(t, mw.WriteField("param", string(param)))
		fw, err := mw.CreateFormFile("image", "page.png")
		require.NoError(t, err)
		fw.Write([]byte(fmt.Sprintf("scan-1-%d", page)))
		require.NoError(t, mw.Close())

		req, err := http.NewRequest("POST", e.ts.URL+"/admin/pages", &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		presp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer presp.Body.Close()
		require.Equal(t, http.StatusOK, presp.StatusCode)
		var res map[string]interface{}
		require.NoError(t, json.NewDecoder(presp.Body).Decode(&res))
		return res
	}

	res := ingest(1)
	assert.Equal(t, true, res["IDTaskReady"], "sole id page completes the task")
	res = ingest(2)
	assert.NotEmpty(t, res["MarksReady"], "question 1 becomes markable")

	// the identification queue now serves it
	token := e.login(t, "iris")
	resp = e.do(t, "GET", "/ID/tasks/available", map[string]string{"user": "iris", "token": token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
