package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codepair/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codepair/backend/internal/database"
	"github.com/MarcoPoloResearchLab/codepair/backend/internal/executor"
	"github.com/MarcoPoloResearchLab/codepair/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codepair/backend/internal/server"
	"github.com/MarcoPoloResearchLab/codepair/backend/internal/session"
	"github.com/MarcoPoloResearchLab/codepair/backend/internal/versions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var integrationSecret = []byte("integration-signing-secret")

type stack struct {
	server   *httptest.Server
	registry *session.Registry
	versions *versions.Service
	issuer   *auth.TokenIssuer
}

// newStack assembles the full backend the way the API binary does: sqlite
// storage, version service, registry, and the gin surface, plus a stub
// execution service behind the HTTP runner.
func newStack(testContext *testing.T, executionOutput string) *stack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "codepair.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	versionsService, err := versions.NewService(versions.ServiceConfig{
		Database:   db,
		IDProvider: versions.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build versions service: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: integrationSecret,
		CookieName:    "app_session",
	})
	if err != nil {
		testContext.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: integrationSecret})
	if err != nil {
		testContext.Fatalf("failed to build issuer: %v", err)
	}

	var runner session.Runner
	if executionOutput != "" {
		executionService := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"output": executionOutput}) //nolint:errcheck
		}))
		testContext.Cleanup(executionService.Close)
		runner, err = executor.NewHTTPRunner(executor.HTTPRunnerConfig{URL: executionService.URL})
		if err != nil {
			testContext.Fatalf("failed to build runner: %v", err)
		}
	}

	registry := session.NewRegistry(session.RegistryConfig{
		Versions: versionsService,
		Runner:   runner,
		Logger:   zap.NewNop(),
	})
	testContext.Cleanup(registry.Close)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Registry:         registry,
		VersionsService:  versionsService,
		Metrics:          metrics.NewCollector(),
		Logger:           zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)

	return &stack{server: testServer, registry: registry, versions: versionsService, issuer: issuer}
}

func (s *stack) connect(testContext *testing.T, sessionID, username string) *websocket.Conn {
	testContext.Helper()
	token, err := s.issuer.Issue(username)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	wsURL := strings.Replace(s.server.URL, "http", "ws", 1) + "/sessions/" + sessionID + "/ws?token=" + token
	conn, response, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial channel for %s: %v", username, err)
	}
	if response != nil && response.Body != nil {
		response.Body.Close() //nolint:errcheck
	}
	testContext.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(session.Envelope{
		Event:           session.EventJoin,
		CodingSessionID: sessionID,
		Username:        username,
	}); err != nil {
		testContext.Fatalf("failed to send join for %s: %v", username, err)
	}
	initial := readWire(testContext, conn)
	if initial.Event != session.EventCodeChange {
		testContext.Fatalf("expected initial buffer for %s, got %+v", username, initial)
	}
	return conn
}

func readWire(testContext *testing.T, conn *websocket.Conn) session.Envelope {
	testContext.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	var envelope session.Envelope
	if err := conn.ReadJSON(&envelope); err != nil {
		testContext.Fatalf("failed to read envelope: %v", err)
	}
	return envelope
}

func readWireUntil(testContext *testing.T, conn *websocket.Conn, event string) session.Envelope {
	testContext.Helper()
	for i := 0; i < 10; i++ {
		envelope := readWire(testContext, conn)
		if envelope.Event == event {
			return envelope
		}
	}
	testContext.Fatalf("did not receive %s event", event)
	return session.Envelope{}
}

func TestTwoParticipantEditingFlow(testContext *testing.T) {
	backend := newStack(testContext, "")

	alice := backend.connect(testContext, "session-1", "alice")
	bob := backend.connect(testContext, "session-1", "bob")

	joinNotice := readWire(testContext, alice)
	if joinNotice.Event != session.EventJoin || joinNotice.Username != "bob" {
		testContext.Fatalf("expected join notification, got %+v", joinNotice)
	}

	if err := alice.WriteJSON(session.Envelope{
		Event:           session.EventCodeChange,
		CodingSessionID: "session-1",
		Username:        "alice",
		Code:            "def main():\n    pass",
	}); err != nil {
		testContext.Fatalf("failed to send code change: %v", err)
	}

	update := readWire(testContext, bob)
	if update.Event != session.EventCodeChange || update.Code != "def main():\n    pass" {
		testContext.Fatalf("unexpected broadcast at bob: %+v", update)
	}

	// The snapshot lands in storage; a late REST read sees it.
	deadline := time.Now().Add(3 * time.Second)
	for {
		code, found, err := backend.versions.LatestCode(context.Background(), "session-1")
		if err != nil {
			testContext.Fatalf("failed to read latest version: %v", err)
		}
		if found && code == "def main():\n    pass" {
			break
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("persisted snapshot never appeared, found=%v code=%q", found, code)
		}
		time.Sleep(20 * time.Millisecond)
	}

	token, err := backend.issuer.Issue("carol")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	request, err := http.NewRequest(http.MethodGet, backend.server.URL+"/sessions/session-1/latest", nil)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("latest request failed: %v", err)
	}
	defer response.Body.Close()
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode latest payload: %v", err)
	}
	if payload.Code != "def main():\n    pass" {
		testContext.Fatalf("unexpected latest buffer: %q", payload.Code)
	}
}

func TestReconnectResumesFromPersistedBuffer(testContext *testing.T) {
	backend := newStack(testContext, "")

	alice := backend.connect(testContext, "session-1", "alice")
	if err := alice.WriteJSON(session.Envelope{
		Event:           session.EventCodeChange,
		CodingSessionID: "session-1",
		Username:        "alice",
		Code:            "print('before crash')",
	}); err != nil {
		testContext.Fatalf("failed to send code change: %v", err)
	}

	// Wait for the write-through before dropping the only participant; the
	// session is evicted from the registry once alice disconnects.
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, found, err := backend.versions.LatestCode(context.Background(), "session-1")
		if err != nil {
			testContext.Fatalf("failed to read latest version: %v", err)
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("snapshot never persisted")
		}
		time.Sleep(20 * time.Millisecond)
	}
	alice.Close()

	deadline = time.Now().Add(3 * time.Second)
	for {
		if _, active := backend.registry.CurrentCode("session-1"); !active {
			break
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("session never evicted after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}

	token, err := backend.issuer.Issue("alice")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	wsURL := strings.Replace(backend.server.URL, "http", "ws", 1) + "/sessions/session-1/ws?token=" + token
	conn, response, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("failed to re-dial: %v", err)
	}
	if response != nil && response.Body != nil {
		response.Body.Close() //nolint:errcheck
	}
	defer conn.Close()
	if err := conn.WriteJSON(session.Envelope{
		Event:           session.EventJoin,
		CodingSessionID: "session-1",
		Username:        "alice",
	}); err != nil {
		testContext.Fatalf("failed to rejoin: %v", err)
	}

	initial := readWire(testContext, conn)
	if initial.Event != session.EventCodeChange || initial.Code != "print('before crash')" {
		testContext.Fatalf("expected persisted buffer on rejoin, got %+v", initial)
	}
}

func TestExecutionResultsReachAllParticipants(testContext *testing.T) {
	backend := newStack(testContext, "hello from executor\n")

	alice := backend.connect(testContext, "session-1", "alice")
	bob := backend.connect(testContext, "session-1", "bob")
	readWire(testContext, alice) // bob's join

	if err := alice.WriteJSON(session.Envelope{
		Event:           session.EventExecuteCode,
		CodingSessionID: "session-1",
		Username:        "alice",
		Code:            "print('hello')",
	}); err != nil {
		testContext.Fatalf("failed to request execution: %v", err)
	}

	request := readWireUntil(testContext, bob, session.EventExecuteCode)
	if request.Code != "print('hello')" {
		testContext.Fatalf("unexpected execution fan-out: %+v", request)
	}

	aliceResult := readWireUntil(testContext, alice, session.EventExecutionResult)
	if aliceResult.Result != "hello from executor\n" {
		testContext.Fatalf("unexpected result at alice: %+v", aliceResult)
	}
	bobResult := readWireUntil(testContext, bob, session.EventExecutionResult)
	if bobResult.Result != "hello from executor\n" {
		testContext.Fatalf("unexpected result at bob: %+v", bobResult)
	}
}
