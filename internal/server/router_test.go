package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dealdesk/collab-sync/internal/auth"
	"github.com/dealdesk/collab-sync/internal/docstore"
	"github.com/dealdesk/collab-sync/internal/identity"
	"github.com/dealdesk/collab-sync/internal/presence"
	"github.com/dealdesk/collab-sync/internal/room"
	"github.com/dealdesk/collab-sync/internal/versions"
)

const (
	testSigningSecret  = "router-test-secret"
	testIssuer         = "workspace-auth"
	testCookieName     = "workspace_session"
	testInternalSecret = "scheduler-secret"
)

type routerFixture struct {
	handler http.Handler
	adapter *docstore.Adapter
}

func TestVersionRoutesRequireAuthentication(t *testing.T) {
	fixture := mustRouter(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/documents/doc-1/versions", http.NoBody)
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
}

func TestSaveListAndCountVersions(t *testing.T) {
	fixture := mustRouter(t)
	token := mustMintToken(t, "user-1", "Alex Doe")

	saveBody := map[string]string{
		"content":            "first draft",
		"change_description": "initial",
	}
	recorder := mustDo(t, fixture.handler, http.MethodPost, "/documents/doc-1/versions", token, saveBody)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("save failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var saveResponse struct {
		VersionNumber int64 `json:"version_number"`
	}
	mustDecode(t, recorder, &saveResponse)
	if saveResponse.VersionNumber != 1 {
		t.Fatalf("expected version 1, got %d", saveResponse.VersionNumber)
	}

	recorder = mustDo(t, fixture.handler, http.MethodGet, "/documents/doc-1/versions", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var listResponse struct {
		Versions []struct {
			VersionNumber int64  `json:"version_number"`
			Content       string `json:"content"`
			CreatedBy     string `json:"created_by"`
		} `json:"versions"`
	}
	mustDecode(t, recorder, &listResponse)
	if len(listResponse.Versions) != 1 {
		t.Fatalf("expected one version, got %d", len(listResponse.Versions))
	}
	if listResponse.Versions[0].CreatedBy != "user-1" {
		t.Fatalf("expected author from session claims, got %q", listResponse.Versions[0].CreatedBy)
	}

	recorder = mustDo(t, fixture.handler, http.MethodGet, "/documents/doc-1/versions/count", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("count failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var countResponse struct {
		Count int64 `json:"count"`
	}
	mustDecode(t, recorder, &countResponse)
	if countResponse.Count != 1 {
		t.Fatalf("expected count 1, got %d", countResponse.Count)
	}
}

func TestGetVersionNotFound(t *testing.T) {
	fixture := mustRouter(t)
	token := mustMintToken(t, "user-1", "Alex Doe")

	recorder := mustDo(t, fixture.handler, http.MethodGet, "/documents/doc-1/versions/9", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got %d, want %d", recorder.Code, http.StatusNotFound)
	}
}

func TestRestoreVersionWritesLiveDocument(t *testing.T) {
	fixture := mustRouter(t)
	token := mustMintToken(t, "user-1", "Alex Doe")

	for _, content := range []string{"v1 text", "v2 text"} {
		recorder := mustDo(t, fixture.handler, http.MethodPost, "/documents/doc-1/versions", token, map[string]string{"content": content})
		if recorder.Code != http.StatusCreated {
			t.Fatalf("seed save failed: %d %s", recorder.Code, recorder.Body.String())
		}
	}

	recorder := mustDo(t, fixture.handler, http.MethodPost, "/documents/doc-1/versions/1/restore", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("restore failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var restoreResponse struct {
		RestoredVersion int64 `json:"restored_version"`
		NewVersion      int64 `json:"new_version"`
	}
	mustDecode(t, recorder, &restoreResponse)
	if restoreResponse.RestoredVersion != 1 || restoreResponse.NewVersion != 3 {
		t.Fatalf("unexpected restore outcome: %+v", restoreResponse)
	}

	documentID, err := docstore.NewDocumentID("doc-1")
	if err != nil {
		t.Fatalf("failed to build document id: %v", err)
	}
	live, err := fixture.adapter.GetDocument(context.Background(), documentID)
	if err != nil {
		t.Fatalf("failed to load live document: %v", err)
	}
	if live == nil || live.Content != "v1 text" {
		t.Fatalf("expected live document to carry restored content, got %+v", live)
	}
}

func TestHeartbeatAndActiveUsers(t *testing.T) {
	fixture := mustRouter(t)
	token := mustMintToken(t, "user-1", "Alex Doe")

	heartbeat := map[string]interface{}{
		"resource_type": "document",
		"resource_id":   "doc-1",
		"cursor":        map[string]float64{"x": 10, "y": 20},
	}
	recorder := mustDo(t, fixture.handler, http.MethodPost, "/presence/heartbeat", token, heartbeat)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("heartbeat failed: %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = mustDo(t, fixture.handler, http.MethodGet, "/presence/document/doc-1", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("active users failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var usersResponse struct {
		Users []struct {
			UserID    string           `json:"user_id"`
			UserName  string           `json:"user_name"`
			UserColor string           `json:"user_color"`
			Cursor    *presence.Cursor `json:"cursor"`
		} `json:"users"`
	}
	mustDecode(t, recorder, &usersResponse)
	if len(usersResponse.Users) != 1 {
		t.Fatalf("expected one active user, got %d", len(usersResponse.Users))
	}
	if usersResponse.Users[0].UserID != "user-1" {
		t.Fatalf("expected server-authoritative user id, got %q", usersResponse.Users[0].UserID)
	}
	if usersResponse.Users[0].UserColor == "" {
		t.Fatalf("expected a registry color on the presence entry")
	}
	if usersResponse.Users[0].Cursor == nil || usersResponse.Users[0].Cursor.X != 10 {
		t.Fatalf("unexpected cursor: %+v", usersResponse.Users[0].Cursor)
	}

	recorder = mustDo(t, fixture.handler, http.MethodDelete, "/presence/document/doc-1", token, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("leave failed: %d %s", recorder.Code, recorder.Body.String())
	}
	recorder = mustDo(t, fixture.handler, http.MethodGet, "/presence/document/doc-1", token, nil)
	mustDecode(t, recorder, &usersResponse)
	if len(usersResponse.Users) != 0 {
		t.Fatalf("expected no active users after leave, got %d", len(usersResponse.Users))
	}
}

func TestHeartbeatRejectsUnknownResourceType(t *testing.T) {
	fixture := mustRouter(t)
	token := mustMintToken(t, "user-1", "Alex Doe")

	recorder := mustDo(t, fixture.handler, http.MethodPost, "/presence/heartbeat", token, map[string]string{
		"resource_type": "pipeline",
		"resource_id":   "p-1",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d, want %d", recorder.Code, http.StatusBadRequest)
	}
}

func TestPresenceCleanupRequiresSharedSecret(t *testing.T) {
	fixture := mustRouter(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/internal/presence/cleanup", http.NoBody)
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status without secret: %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodPost, "/internal/presence/cleanup", http.NoBody)
	request.Header.Set(internalSecretHeader, testInternalSecret)
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("cleanup failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var cleanupResponse struct {
		Removed int64 `json:"removed"`
	}
	mustDecode(t, recorder, &cleanupResponse)
	if cleanupResponse.Removed != 0 {
		t.Fatalf("expected nothing to remove, got %d", cleanupResponse.Removed)
	}
}

func mustRouter(t *testing.T) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	databaseName := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(databaseName), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&docstore.DocumentState{},
		&docstore.Document{},
		&versions.DocumentVersion{},
		&presence.Entry{},
		&identity.Collaborator{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	adapter, err := docstore.NewAdapter(docstore.AdapterConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct adapter: %v", err)
	}
	versionService, err := versions.NewService(versions.ServiceConfig{Database: db, LiveDocuments: adapter})
	if err != nil {
		t.Fatalf("failed to construct version service: %v", err)
	}
	tracker, err := presence.NewTracker(presence.TrackerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	collaborators, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct collaborator registry: %v", err)
	}
	coordinator, err := room.NewCoordinator(room.CoordinatorConfig{
		Store:    adapter,
		Sessions: sessionValidator,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:       sessionValidator,
		Coordinator:    coordinator,
		Versions:       versionService,
		Presence:       tracker,
		Collaborators:  collaborators,
		InternalSecret: testInternalSecret,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return routerFixture{handler: handler, adapter: adapter}
}

func mustMintToken(t *testing.T, userID, userName string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:   userID,
		UserName: userName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func mustDo(t *testing.T, handler http.Handler, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func mustDecode(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}
