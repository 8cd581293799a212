package ckan

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"jobforge/internal/config"
)

// Loader seeds a CKAN instance from the workspace data directory: users and
// organizations from JSON files, datasets and their resources from a CSV
// metadata export. Create is attempted first; on a validation conflict the
// loader falls back to update, so reruns are safe.
type Loader struct {
	Client  *Client
	CKAN    config.CKANConfig
	DataDir string
	Log     *log.Logger
}

func NewLoader(client *Client, cfg config.CKANConfig, workspace string) *Loader {
	return &Loader{
		Client:  client,
		CKAN:    cfg,
		DataDir: filepath.Join(workspace, cfg.DataPath),
		Log:     log.Default(),
	}
}

// Document is one dataset/resource row of the metadata CSV.
type Document struct {
	Title       string
	Name        string
	File        string
	StartYear   string
	EndYear     string
	CountryCode string
	Notes       string
	Tags        []map[string]string
	Dataset     string
	DatasetName string
	User        string
}

// User mirrors the users.json entries; the API token is filled in after
// creation so datasets can be loaded under each user's identity.
type User struct {
	Fields   map[string]any
	Name     string
	APIToken string
}

// Run loads everything: users, organizations, groups, then each user's
// datasets and resources under that user's token.
func (l *Loader) Run(ctx context.Context) error {
	docs, err := l.loadDocuments()
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	users, err := l.LoadUsers(ctx)
	if err != nil {
		return err
	}
	if _, err := l.LoadOrganizations(ctx); err != nil {
		return err
	}
	if err := l.LoadGroups(ctx); err != nil {
		return err
	}
	for _, u := range users {
		if u.APIToken == "" {
			l.Log.Printf("ckan: user %s has no api token; skipping datasets", u.Name)
			continue
		}
		userClient := l.Client.WithKey(u.APIToken)
		var userDocs []Document
		for _, d := range docs {
			if d.User == u.Name {
				userDocs = append(userDocs, d)
			}
		}
		if err := l.LoadDatasets(ctx, userClient, userDocs); err != nil {
			return err
		}
		if err := l.LoadResources(ctx, userClient, userDocs); err != nil {
			return err
		}
	}
	return nil
}

// LoadOrganizations creates or updates organizations from organizations.json
// and returns a map of organization name to id.
func (l *Loader) LoadOrganizations(ctx context.Context) (map[string]string, error) {
	var file struct {
		Organizations []map[string]any `json:"organizations"`
	}
	if err := l.readJSON("organizations.json", &file); err != nil {
		return nil, err
	}
	ids := make(map[string]string, len(file.Organizations))
	for _, org := range file.Organizations {
		name, _ := org["name"].(string)
		var created struct {
			ID string `json:"id"`
		}
		err := l.Client.Action(ctx, "organization_create", org, &created)
		if err == nil {
			l.Log.Printf("ckan: created organization %s", name)
			ids[name] = created.ID
			continue
		}
		if !IsValidation(err) {
			return nil, err
		}
		l.Log.Printf("ckan: organization %s might already exist; trying update", name)
		var existing struct {
			ID string `json:"id"`
		}
		if err := l.Client.Action(ctx, "organization_show", map[string]any{"id": name}, &existing); err != nil {
			l.Log.Printf("ckan: can't create organization %s: %v", name, err)
			continue
		}
		payload := withID(org, existing.ID)
		if err := l.Client.Action(ctx, "organization_update", payload, nil); err != nil {
			l.Log.Printf("ckan: can't update organization %s: %v", name, err)
			continue
		}
		ids[name] = existing.ID
		l.Log.Printf("ckan: updated organization %s", name)
	}
	return ids, nil
}

// LoadUsers creates or updates users from users.json, minting an API token
// for each created user.
func (l *Loader) LoadUsers(ctx context.Context) ([]User, error) {
	var file struct {
		Users []map[string]any `json:"users"`
	}
	if err := l.readJSON("users.json", &file); err != nil {
		return nil, err
	}
	var users []User
	for _, u := range file.Users {
		name, _ := u["name"].(string)
		var created struct {
			ID string `json:"id"`
		}
		err := l.Client.Action(ctx, "user_create", u, &created)
		if err == nil {
			l.Log.Printf("ckan: created user %s", name)
		} else if IsValidation(err) {
			l.Log.Printf("ckan: user %s might already exist; trying update", name)
			var existing struct {
				ID string `json:"id"`
			}
			if err := l.Client.Action(ctx, "user_show", map[string]any{"id": name}, &existing); err != nil {
				l.Log.Printf("ckan: can't create user %s: %v", name, err)
				continue
			}
			if err := l.Client.Action(ctx, "user_update", withID(u, existing.ID), nil); err != nil {
				l.Log.Printf("ckan: can't update user %s: %v", name, err)
				continue
			}
			created.ID = existing.ID
			l.Log.Printf("ckan: updated user %s", name)
		} else {
			return nil, err
		}
		var token struct {
			Token string `json:"token"`
		}
		if err := l.Client.Action(ctx, "api_token_create", map[string]any{"user": created.ID, "name": "demo_data_upload"}, &token); err != nil {
			l.Log.Printf("ckan: can't create api token for %s: %v", name, err)
		}
		users = append(users, User{Fields: u, Name: name, APIToken: token.Token})
	}
	return users, nil
}

// LoadGroups creates or updates groups from the configured groups file.
func (l *Loader) LoadGroups(ctx context.Context) error {
	var file struct {
		Groups []map[string]any `json:"groups"`
	}
	if err := l.readJSON(l.CKAN.GroupsFile, &file); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, g := range file.Groups {
		name, _ := g["name"].(string)
		err := l.Client.Action(ctx, "group_create", g, nil)
		if err == nil {
			l.Log.Printf("ckan: created group %s", name)
			continue
		}
		if !IsValidation(err) {
			return err
		}
		var existing struct {
			ID string `json:"id"`
		}
		if err := l.Client.Action(ctx, "group_show", map[string]any{"id": name}, &existing); err != nil {
			l.Log.Printf("ckan: can't create group %s: %v", name, err)
			continue
		}
		if err := l.Client.Action(ctx, "group_update", withID(g, existing.ID), nil); err != nil {
			l.Log.Printf("ckan: can't update group %s: %v", name, err)
			continue
		}
		l.Log.Printf("ckan: updated group %s", name)
	}
	return nil
}

// LoadDatasets creates or updates one dataset per document.
func (l *Loader) LoadDatasets(ctx context.Context, client *Client, docs []Document) error {
	for _, doc := range docs {
		dataset := map[string]any{
			"title":        TitleFromName(doc.Dataset),
			"name":         doc.DatasetName,
			"type":         l.CKAN.DatasetType,
			"owner_org":    l.CKAN.OwnerOrganization,
			"notes":        doc.Notes,
			"tags":         doc.Tags,
			"start_year":   doc.StartYear,
			"end_year":     doc.EndYear,
			"country_code": doc.CountryCode,
		}
		err := client.Action(ctx, "package_create", dataset, nil)
		if err == nil {
			l.Log.Printf("ckan: created dataset %s", doc.DatasetName)
			continue
		}
		if !IsValidation(err) {
			return err
		}
		l.Log.Printf("ckan: dataset %s might already exist; trying update", doc.DatasetName)
		var existing struct {
			ID string `json:"id"`
		}
		if err := client.Action(ctx, "package_show", map[string]any{"id": doc.DatasetName}, &existing); err != nil {
			l.Log.Printf("ckan: can't create dataset %s: %v", doc.DatasetName, err)
			continue
		}
		if err := client.Action(ctx, "package_update", withID(dataset, existing.ID), nil); err != nil {
			l.Log.Printf("ckan: can't update dataset %s: %v", doc.DatasetName, err)
			continue
		}
		l.Log.Printf("ckan: updated dataset %s", doc.DatasetName)
	}
	return nil
}

// LoadResources uploads the file attachment of each document, unpacking zip
// archives and uploading their members individually.
func (l *Loader) LoadResources(ctx context.Context, client *Client, docs []Document) error {
	for _, doc := range docs {
		if doc.File == "" {
			l.Log.Printf("ckan: resource %s not created as it has no file attachment", doc.Name)
			continue
		}
		fields := map[string]string{
			"title":      doc.Title,
			"name":       doc.Name,
			"url":        "upload",
			"package_id": doc.DatasetName,
		}
		path := filepath.Join(l.DataDir, l.CKAN.ResourceFolder, doc.File)
		if strings.EqualFold(filepath.Ext(path), ".zip") {
			if err := l.unpackZip(ctx, client, path, fields); err != nil {
				l.Log.Printf("ckan: unpack %s: %v", doc.File, err)
			}
			continue
		}
		l.uploadResource(ctx, client, path, fields)
	}
	return nil
}

func (l *Loader) uploadResource(ctx context.Context, client *Client, path string, fields map[string]string) {
	err := client.Upload(ctx, "resource_create", fields, path, nil)
	if err == nil {
		l.Log.Printf("ckan: created resource %s", fields["name"])
		return
	}
	if !IsValidation(err) {
		l.Log.Printf("ckan: can't create resource %s: %v", fields["name"], err)
		return
	}
	l.Log.Printf("ckan: resource %s might already exist; trying update", fields["name"])
	var existing struct {
		ID string `json:"id"`
	}
	if err := client.Action(ctx, "resource_show", map[string]any{"id": fields["name"]}, &existing); err != nil {
		l.Log.Printf("ckan: can't create resource %s: %v", fields["name"], err)
		return
	}
	payload := map[string]any{"id": existing.ID}
	for k, v := range fields {
		payload[k] = v
	}
	if err := client.Action(ctx, "resource_update", payload, nil); err != nil {
		l.Log.Printf("ckan: can't update resource %s: %v", fields["name"], err)
		return
	}
	l.Log.Printf("ckan: updated resource %s", fields["name"])
}

func (l *Loader) unpackZip(ctx context.Context, client *Client, path string, fields map[string]string) error {
	extractDir, err := os.MkdirTemp(l.DataDir, "extract-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(extractDir)

	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dst := filepath.Join(extractDir, filepath.Base(f.Name))
		if err := extractFile(f, dst); err != nil {
			return err
		}
		title := strings.TrimSuffix(f.Name, filepath.Ext(f.Name))
		memberFields := map[string]string{
			"title":      title,
			"name":       SlugName(title),
			"format":     strings.ToUpper(strings.TrimPrefix(filepath.Ext(f.Name), ".")),
			"url":        fields["url"],
			"package_id": fields["package_id"],
		}
		l.uploadResource(ctx, client, dst, memberFields)
	}
	return nil
}

func extractFile(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}

// loadDocuments parses the metadata CSV. Rows before the header marker
// (column 1 equal to "logi_id") are preamble and skipped.
func (l *Loader) loadDocuments() ([]Document, error) {
	f, err := os.Open(filepath.Join(l.DataDir, l.CKAN.DocumentsFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	started := false
	var docs []Document
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if started && len(row) > 12 {
			docs = append(docs, Document{
				Title:       row[2],
				Name:        SlugName(row[2]),
				File:        row[4],
				StartYear:   row[5],
				EndYear:     row[6],
				CountryCode: row[7],
				Notes:       row[8],
				Tags:        parseTags(row[9]),
				Dataset:     row[10],
				DatasetName: row[11],
				User:        row[12],
			})
		}
		if len(row) > 1 && row[1] == "logi_id" {
			started = true
		}
	}
	return docs, nil
}

func parseTags(raw string) []map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var tags []map[string]string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		tags = append(tags, map[string]string{"name": t})
	}
	return tags
}

// SlugName turns a document title into a CKAN dataset/resource name:
// strip everything but word characters, spaces and slashes, then dash-join
// and lowercase.
func SlugName(title string) string {
	var kept strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			kept.WriteRune(r)
		case r == '_' || r == ' ' || r == '/':
			kept.WriteByte('-')
		}
	}
	return strings.ToLower(kept.String())
}

// TitleFromName renders underscores in a dataset identifier as spaces.
func TitleFromName(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

func (l *Loader) readJSON(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(l.DataDir, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func withID(payload map[string]any, id string) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["id"] = id
	return out
}
