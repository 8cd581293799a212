package ckan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"jobforge/internal/config"
)

// fakeCKAN records action calls and scripts their responses.
type fakeCKAN struct {
	t     *testing.T
	calls []string
	// respond maps an action name to a handler; unknown actions succeed
	// with an empty result.
	respond map[string]func(payload map[string]any) (any, map[string]any)
}

func (f *fakeCKAN) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := strings.TrimPrefix(r.URL.Path, "/api/3/action/")
		f.calls = append(f.calls, action)
		payload := map[string]any{}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			_ = json.NewDecoder(r.Body).Decode(&payload)
		} else if err := r.ParseMultipartForm(1 << 20); err == nil {
			for k, v := range r.MultipartForm.Value {
				if len(v) > 0 {
					payload[k] = v[0]
				}
			}
		}
		var result any = map[string]any{}
		var apiErr map[string]any
		if fn, ok := f.respond[action]; ok {
			result, apiErr = fn(payload)
		}
		w.Header().Set("Content-Type", "application/json")
		if apiErr != nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": apiErr})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "result": result})
	})
}

func validationErr() map[string]any {
	return map[string]any{"__type": "Validation Error", "name": []string{"already exists"}}
}

func newLoader(t *testing.T, srvURL string) *Loader {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default("demo").CKAN
	loader := NewLoader(NewClient(srvURL, "root-key"), cfg, dir)
	if err := os.MkdirAll(filepath.Join(loader.DataDir, cfg.ResourceFolder), 0o755); err != nil {
		t.Fatal(err)
	}
	return loader
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadOrganizationsCreateThenUpdate(t *testing.T) {
	fake := &fakeCKAN{t: t, respond: map[string]func(map[string]any) (any, map[string]any){
		"organization_create": func(p map[string]any) (any, map[string]any) {
			if p["name"] == "existing" {
				return nil, validationErr()
			}
			return map[string]any{"id": "new-id"}, nil
		},
		"organization_show": func(p map[string]any) (any, map[string]any) {
			return map[string]any{"id": "old-id"}, nil
		},
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	loader := newLoader(t, srv.URL)
	writeFile(t, filepath.Join(loader.DataDir, "organizations.json"),
		`{"organizations":[{"name":"fresh","title":"Fresh"},{"name":"existing","title":"Existing"}]}`)

	ids, err := loader.LoadOrganizations(context.Background())
	if err != nil {
		t.Fatalf("load organizations: %v", err)
	}
	if ids["fresh"] != "new-id" || ids["existing"] != "old-id" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	joined := strings.Join(fake.calls, ",")
	if !strings.Contains(joined, "organization_update") {
		t.Fatalf("expected update fallback, calls: %v", fake.calls)
	}
}

func TestLoadUsersMintsTokens(t *testing.T) {
	fake := &fakeCKAN{t: t, respond: map[string]func(map[string]any) (any, map[string]any){
		"user_create": func(p map[string]any) (any, map[string]any) {
			return map[string]any{"id": "uid-1"}, nil
		},
		"api_token_create": func(p map[string]any) (any, map[string]any) {
			if p["name"] != "demo_data_upload" {
				return nil, map[string]any{"__type": "Bad Request", "message": "wrong token name"}
			}
			return map[string]any{"token": "tok-1"}, nil
		},
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	loader := newLoader(t, srv.URL)
	writeFile(t, filepath.Join(loader.DataDir, "users.json"),
		`{"users":[{"name":"alice","email":"alice@example.org","password":"pw"}]}`)

	users, err := loader.LoadUsers(context.Background())
	if err != nil {
		t.Fatalf("load users: %v", err)
	}
	if len(users) != 1 || users[0].APIToken != "tok-1" {
		t.Fatalf("unexpected users: %+v", users)
	}
}

func TestLoadDatasetsFallsBackToUpdate(t *testing.T) {
	created := map[string]bool{}
	fake := &fakeCKAN{t: t, respond: map[string]func(map[string]any) (any, map[string]any){
		"package_create": func(p map[string]any) (any, map[string]any) {
			name, _ := p["name"].(string)
			if created[name] {
				return nil, validationErr()
			}
			created[name] = true
			return map[string]any{"id": name}, nil
		},
		"package_show": func(p map[string]any) (any, map[string]any) {
			return map[string]any{"id": "pkg-id"}, nil
		},
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	loader := newLoader(t, srv.URL)
	docs := []Document{
		{Title: "Survey 2020", Name: "survey-2020", Dataset: "national_survey", DatasetName: "national-survey", User: "alice"},
		{Title: "Survey 2021", Name: "survey-2021", Dataset: "national_survey", DatasetName: "national-survey", User: "alice"},
	}
	if err := loader.LoadDatasets(context.Background(), loader.Client, docs); err != nil {
		t.Fatalf("load datasets: %v", err)
	}
	joined := strings.Join(fake.calls, ",")
	if !strings.Contains(joined, "package_update") {
		t.Fatalf("expected package_update fallback, calls: %v", fake.calls)
	}
}

func TestLoadResourcesUploadsFiles(t *testing.T) {
	var uploaded []string
	fake := &fakeCKAN{t: t, respond: map[string]func(map[string]any) (any, map[string]any){
		"resource_create": func(p map[string]any) (any, map[string]any) {
			name, _ := p["name"].(string)
			uploaded = append(uploaded, name)
			if p["url"] != "upload" {
				return nil, map[string]any{"__type": "Bad Request", "message": "url must be upload"}
			}
			return map[string]any{"id": name}, nil
		},
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	loader := newLoader(t, srv.URL)
	writeFile(t, filepath.Join(loader.DataDir, loader.CKAN.ResourceFolder, "report.pdf"), "pdf-bytes")

	docs := []Document{
		{Title: "Report", Name: "report", File: "report.pdf", DatasetName: "national-survey"},
		{Title: "No attachment", Name: "no-attachment", DatasetName: "national-survey"},
	}
	if err := loader.LoadResources(context.Background(), loader.Client, docs); err != nil {
		t.Fatalf("load resources: %v", err)
	}
	if len(uploaded) != 1 || uploaded[0] != "report" {
		t.Fatalf("unexpected uploads: %v", uploaded)
	}
}

func TestLoadDocumentsSkipsPreamble(t *testing.T) {
	loader := newLoader(t, "http://unused")
	rows := []string{
		"some,preamble,row,,,,,,,,,,",
		"x,logi_id,title,x,file,start,end,cc,notes,tags,dataset,dataset_name,user",
		`1,d1,Annual Report,x,report.pdf,2019,2020,KE,Notes here,"health, annual",national_survey,national-survey,alice`,
	}
	writeFile(t, filepath.Join(loader.DataDir, loader.CKAN.DocumentsFile), strings.Join(rows, "\n"))

	docs, err := loader.loadDocuments()
	if err != nil {
		t.Fatalf("load documents: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	d := docs[0]
	if d.Title != "Annual Report" || d.Name != "annual-report" || d.File != "report.pdf" {
		t.Errorf("unexpected document: %+v", d)
	}
	if d.User != "alice" || d.DatasetName != "national-survey" {
		t.Errorf("unexpected document: %+v", d)
	}
	if len(d.Tags) != 2 || d.Tags[0]["name"] != "health" || d.Tags[1]["name"] != "annual" {
		t.Errorf("unexpected tags: %v", d.Tags)
	}
}

func TestSlugName(t *testing.T) {
	cases := map[string]string{
		"Annual Report":        "annual-report",
		"Data (v2) / Final":    "data-v2---final",
		"with_underscores_too": "with-underscores-too",
	}
	for in, want := range cases {
		if got := SlugName(in); got != want {
			t.Errorf("SlugName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTitleFromName(t *testing.T) {
	if got := TitleFromName("national_survey"); got != "national survey" {
		t.Fatalf("title: %q", got)
	}
}

func TestIsValidation(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &ValidationError{Action: "package_create"})
	if !IsValidation(err) {
		t.Fatal("expected validation detection through wrapping")
	}
	if IsValidation(fmt.Errorf("plain")) {
		t.Fatal("plain error must not be validation")
	}
}
