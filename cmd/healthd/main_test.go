package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/eng-health-collector/internal/testutil"
	"github.com/Sternrassler/eng-health-collector/pkg/store"
)

const testAPIKey = "a1b2c3d4e5f60718293a"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.Execute()
	return out.String(), err
}

func configYAML(baseURL, caFile, dsn string) string {
	return fmt.Sprintf(`
work_tracker:
  base_url: %s
  username: svc-health
  token: 3f9a7c1e5b2d4f8a
  ca_file: %s
store:
  backend: sqlite
  dsn: %s
server:
  api_keys:
    - %s
units:
  - id: payments
    project: Payments
  - id: search
    project: Search
    area_path: Search\Ranking
`, baseURL, caFile, dsn, testAPIKey)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "healthd.yaml", configYAML("https://tracker.example.com/org", "", filepath.Join(dir, "h.db")))

	out, err := execute(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	for _, want := range []string{"payments", "Search\\Ranking", "Configuration valid"} {
		if !strings.Contains(out, want) {
			t.Errorf("output should contain %q, got:\n%s", want, out)
		}
	}
}

func TestValidateCommand_Invalid(t *testing.T) {
	dir := t.TempDir()
	content := strings.Replace(configYAML("https://tracker.example.com/org", "", filepath.Join(dir, "h.db")),
		"token: 3f9a7c1e5b2d4f8a", "token: changeme", 1)
	path := writeFile(t, dir, "healthd.yaml", content)

	_, err := execute(t, "validate", "--config", path)
	if err == nil {
		t.Fatal("validate should fail for a placeholder token")
	}
	if !strings.Contains(err.Error(), "work_tracker.token") {
		t.Errorf("error = %v, want mention of work_tracker.token", err)
	}
}

func workItem(id int, typ, state string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%d,"fields":{"System.WorkItemType":%q,"System.State":%q}}`, id, typ, state))
}

func newTracker(t *testing.T, failProject string) *testutil.MockUpstream {
	t.Helper()
	mock := testutil.NewMockUpstream()
	t.Cleanup(mock.Close)

	for _, project := range []string{"Payments", "Search"} {
		if project == failProject {
			mock.SetResponse("POST /"+project+"/_apis/wit/wiql", testutil.NewUnauthorizedResponse())
		} else {
			mock.SetResponse("POST /"+project+"/_apis/wit/wiql", testutil.NewOKResponse(`{"workItems":[{"id":1},{"id":2},{"id":3}]}`))
		}
		mock.SetResponse("GET /"+project+"/_apis/git/pullrequests", testutil.NewOKResponse(`{"value":[]}`))
		mock.SetResponse("GET /"+project+"/_apis/build/builds", testutil.NewOKResponse(`{"value":[]}`))
	}
	mock.SetHandler("POST /_apis/wit/workitemsbatch", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IDs []int `json:"ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		out := make([]json.RawMessage, 0, len(body.IDs))
		for _, id := range body.IDs {
			out = append(out, workItem(id, "Bug", "Active"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"count": len(out), "value": out})
	})
	return mock
}

func TestCollectCommand(t *testing.T) {
	mock := newTracker(t, "Search")

	dir := t.TempDir()
	caFile := writeFile(t, dir, "ca.pem", string(mock.CertPEM()))
	dsn := filepath.Join(dir, "healthd.db")
	path := writeFile(t, dir, "healthd.yaml", configYAML(mock.URL(), caFile, dsn))

	out, err := execute(t, "collect", "--config", path)
	if err != nil {
		t.Fatalf("collect error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "payments") || !strings.Contains(out, "failed") {
		t.Errorf("summary should list payments and the failed unit, got:\n%s", out)
	}

	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{Backend: store.BackendSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer s.Close()

	snap, err := s.Latest(ctx, "payments")
	if err != nil {
		t.Fatalf("Latest(payments) error = %v", err)
	}
	if snap.WorkItems.Total != 3 {
		t.Errorf("WorkItems.Total = %d, want 3", snap.WorkItems.Total)
	}

	run, err := s.LatestRun(ctx)
	if err != nil {
		t.Fatalf("LatestRun() error = %v", err)
	}
	if _, ok := run.Failed["search"]; !ok {
		t.Errorf("run.Failed = %v, want search", run.Failed)
	}
}

func TestCollectCommand_NothingCompleted(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/Payments/_apis/wit/wiql", testutil.NewUnauthorizedResponse())
	mock.SetResponse("/Search/_apis/wit/wiql", testutil.NewUnauthorizedResponse())

	dir := t.TempDir()
	caFile := writeFile(t, dir, "ca.pem", string(mock.CertPEM()))
	path := writeFile(t, dir, "healthd.yaml", configYAML(mock.URL(), caFile, filepath.Join(dir, "healthd.db")))

	_, err := execute(t, "collect", "--config", path)
	if err == nil {
		t.Fatal("collect should fail when no unit completes")
	}
	if !strings.Contains(err.Error(), "completed no unit") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadCAs(t *testing.T) {
	dir := t.TempDir()

	pool, err := loadCAs("")
	if err != nil || pool != nil {
		t.Errorf("loadCAs(\"\") = %v, %v; want nil, nil", pool, err)
	}

	if _, err := loadCAs(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("loadCAs() should fail for a missing file")
	}

	junk := writeFile(t, dir, "junk.pem", "not a certificate")
	if _, err := loadCAs(junk); err == nil {
		t.Error("loadCAs() should fail without PEM blocks")
	}

	mock := testutil.NewMockUpstream()
	defer mock.Close()
	good := writeFile(t, dir, "ca.pem", string(mock.CertPEM()))
	if pool, err := loadCAs(good); err != nil || pool == nil {
		t.Errorf("loadCAs(valid) = %v, %v", pool, err)
	}
}
